package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Orchestrator fans deployment requests out to their store pipelines and
// collects every outcome, tolerating partial failure: one store's rejection
// never cancels another store's in-flight pipeline.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator backed by the given pipeline
// registry. A nil logger falls back to slog.Default.
func NewOrchestrator(registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{registry: registry, logger: logger}
}

// Deploy runs one pipeline per request concurrently and returns the outcomes
// in request order. It always waits for every pipeline; failures are reported
// in the outcomes, never as an early return.
func (o *Orchestrator) Deploy(ctx context.Context, requests []Request) []Outcome {
	run := uuid.NewString()[:8]
	logger := o.logger.With("run", run)
	logger.Info("starting deployment", "stores", len(requests))

	outcomes := make([]Outcome, len(requests))

	// errgroup is used purely as fan-out/fan-in here: goroutines always
	// return nil so no sibling is ever canceled.
	var g errgroup.Group
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			outcomes[i] = o.deployOne(ctx, logger, req)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.Succeeded() {
			logger.Info(out.Summary())
		} else {
			logger.Error("deployment failed", "store", out.Store, "stage", out.Stage, "error", out.Err)
		}
	}
	return outcomes
}

func (o *Orchestrator) deployOne(ctx context.Context, logger *slog.Logger, req Request) Outcome {
	pipeline, ok := o.registry.Get(req.Store)
	if !ok {
		return Fail(req.Store, StageInput, &InputError{
			Store:   req.Store,
			Message: fmt.Sprintf("no pipeline registered for store %q", req.Store),
		})
	}

	logger.Info("deploying", "store", req.Store, "target", req.TargetID, "zip", req.Zip)
	return pipeline.Deploy(ctx, req)
}
