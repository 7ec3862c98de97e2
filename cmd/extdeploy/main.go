// Command extdeploy publishes a browser-extension zip to the configured
// stores in one shot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/GoCodeAlone/extdeploy/config"
	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/stores/chrome"
	"github.com/GoCodeAlone/extdeploy/stores/edge"
	"github.com/GoCodeAlone/extdeploy/stores/firefox"
	"github.com/GoCodeAlone/extdeploy/stores/opera"
)

var (
	configFile   = flag.String("config", "extdeploy.yaml", "Path to deploy configuration YAML file")
	storeFilter  = flag.String("stores", "", "Comma-separated store subset to deploy to (default: all configured)")
	releaseNotes = flag.String("release-notes", "", "Override the release notes for every store")
	verbose      = flag.Bool("verbose", false, "Log each pipeline step")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	requests, err := cfg.Requests()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	requests, err = filterStores(requests, *storeFilter)
	if err != nil {
		log.Fatalf("Invalid -stores flag: %v", err)
	}
	for i := range requests {
		if *releaseNotes != "" {
			requests[i].ReleaseNotes = *releaseNotes
		}
		if *verbose {
			requests[i].Verbose = true
		}
	}

	steps := deploy.NewSteps(logger)
	gate := deploy.NewSessionGate()

	registry := deploy.NewRegistry()
	registry.Register(chrome.New(chrome.Config{}, steps, logger))
	registry.Register(firefox.New(firefox.Config{}, steps, logger))
	registry.Register(edge.New(edge.Config{SessionGate: gate}, steps, logger))
	registry.Register(opera.New(opera.Config{SessionGate: gate}, steps, logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcomes := deploy.NewOrchestrator(registry, logger).Deploy(ctx, requests)

	for _, out := range outcomes {
		if out.Succeeded() {
			fmt.Println(out.Summary())
		}
	}
	if err := deploy.Aggregate(outcomes); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// filterStores keeps only the requests whose store is named in the
// comma-separated filter. An empty filter keeps everything.
func filterStores(requests []deploy.Request, filter string) ([]deploy.Request, error) {
	if filter == "" {
		return requests, nil
	}

	wanted := make(map[deploy.Store]bool)
	for _, name := range strings.Split(filter, ",") {
		store, err := deploy.ParseStore(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		wanted[store] = true
	}

	var kept []deploy.Request
	for _, req := range requests {
		if wanted[req.Store] {
			kept = append(kept, req)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no configured store matches %q", filter)
	}
	return kept, nil
}
