package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePipeline succeeds or fails deterministically after an optional delay.
type fakePipeline struct {
	store Store
	fail  error
	delay time.Duration
	calls atomic.Int32
}

func (p *fakePipeline) Store() Store { return p.store }

func (p *fakePipeline) Deploy(ctx context.Context, req Request) Outcome {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Fail(p.store, StageUpload, ctx.Err())
		}
	}
	if p.fail != nil {
		return Fail(p.store, StageUpload, p.fail)
	}
	return Success(p.store, req.TargetID, "Fake Extension", "1.0.0")
}

func TestDeployPartialFailureIsolation(t *testing.T) {
	reg := NewRegistry()
	chrome := &fakePipeline{store: StoreChrome}
	firefox := &fakePipeline{store: StoreFirefox, fail: errors.New("validation rejected")}
	opera := &fakePipeline{store: StoreOpera}
	reg.Register(chrome)
	reg.Register(firefox)
	reg.Register(opera)

	o := NewOrchestrator(reg, testLogger())
	outcomes := o.Deploy(context.Background(), []Request{
		{Store: StoreChrome, TargetID: "c"},
		{Store: StoreFirefox, TargetID: "f"},
		{Store: StoreOpera, TargetID: "o"},
	})

	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}

	var ok, failed int
	for _, out := range outcomes {
		if out.Succeeded() {
			ok++
		} else {
			failed++
			if out.Store != StoreFirefox {
				t.Errorf("unexpected failure for %s: %v", out.Store, out.Err)
			}
		}
	}
	if ok != 2 || failed != 1 {
		t.Errorf("got %d successes / %d failures, want 2/1", ok, failed)
	}

	for _, p := range []*fakePipeline{chrome, firefox, opera} {
		if n := p.calls.Load(); n != 1 {
			t.Errorf("%s pipeline ran %d times, want 1", p.store, n)
		}
	}
}

func TestDeployOutcomesKeepRequestOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakePipeline{store: StoreChrome, delay: 30 * time.Millisecond})
	reg.Register(&fakePipeline{store: StoreEdge})

	o := NewOrchestrator(reg, testLogger())
	outcomes := o.Deploy(context.Background(), []Request{
		{Store: StoreChrome, TargetID: "c"},
		{Store: StoreEdge, TargetID: "e"},
	})

	if outcomes[0].Store != StoreChrome || outcomes[1].Store != StoreEdge {
		t.Errorf("outcomes out of order: %v, %v", outcomes[0].Store, outcomes[1].Store)
	}
}

func TestDeployUnknownStore(t *testing.T) {
	o := NewOrchestrator(NewRegistry(), testLogger())
	outcomes := o.Deploy(context.Background(), []Request{{Store: StoreOpera, TargetID: "x"}})

	if outcomes[0].Succeeded() {
		t.Fatal("expected failure for unregistered store")
	}
	if outcomes[0].Stage != StageInput {
		t.Errorf("stage = %s, want input", outcomes[0].Stage)
	}
	var inputErr *InputError
	if !errors.As(outcomes[0].Err, &inputErr) {
		t.Errorf("err = %v, want *InputError", outcomes[0].Err)
	}
}

func TestAggregate(t *testing.T) {
	outcomes := []Outcome{
		Success(StoreChrome, "c", "Ext", "1.0.0"),
		Fail(StoreFirefox, StageUpload, errors.New("upload broke")),
		Fail(StoreOpera, StagePublish, errors.New("publish broke")),
	}

	err := Aggregate(outcomes)
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("err = %v, want *AggregateError", err)
	}
	if len(agg.Failures) != 2 {
		t.Errorf("failures = %d, want 2", len(agg.Failures))
	}
	msg := err.Error()
	for _, want := range []string{"upload broke", "publish broke", "Firefox", "Opera"} {
		if !strings.Contains(msg, want) {
			t.Errorf("aggregate message missing %q: %s", want, msg)
		}
	}

	if Aggregate(outcomes[:1]) != nil {
		t.Error("all-success aggregate should be nil")
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakePipeline{store: StoreOpera})
	reg.Register(&fakePipeline{store: StoreChrome})

	got := reg.List()
	if len(got) != 2 || got[0] != "Chrome" || got[1] != "Opera" {
		t.Errorf("List() = %v", got)
	}
}
