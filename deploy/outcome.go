package deploy

import (
	"fmt"
	"strings"
)

// Stage names the pipeline state that produced a failure.
type Stage string

const (
	// StageInput covers local pre-flight validation, before any network
	// call.
	StageInput     Stage = "input"
	StageAuth      Stage = "auth"
	StageUpload    Stage = "upload"
	StageValidate  Stage = "validate"
	StageChangelog Stage = "changelog"
	StagePublish   Stage = "publish"
	StageConfirm   Stage = "confirm"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	Store    Store
	TargetID string

	// Name and Version describe the artifact, resolved from the zip
	// manifest. They may be empty when the failure happened before the
	// manifest was read.
	Name    string
	Version string

	// Stage and Err are set on failure only.
	Stage Stage
	Err   error
}

// Succeeded reports whether the pipeline reached its terminal success state.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Summary renders the per-store confirmation line for a successful deploy.
func (o Outcome) Summary() string {
	return fmt.Sprintf("Successfully updated %q (%s) to version %s on %s!",
		o.TargetID, o.Name, o.Version, o.Store)
}

// Success builds a successful outcome.
func Success(store Store, targetID, name, version string) Outcome {
	return Outcome{Store: store, TargetID: targetID, Name: name, Version: version}
}

// Fail builds a failed outcome tagged with the stage that produced it.
func Fail(store Store, stage Stage, err error) Outcome {
	return Outcome{Store: store, Stage: stage, Err: err}
}

// AggregateError collects every failed outcome of a run. The orchestrator
// never short-circuits, so a caller automating N stores learns about all
// failures at once.
type AggregateError struct {
	Failures []Outcome
}

func (e *AggregateError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("[%s/%s] %v", f.Store, f.Stage, f.Err))
	}
	return strings.Join(msgs, "\n")
}

// Aggregate returns nil when every outcome succeeded, otherwise an
// *AggregateError holding each failure.
func Aggregate(outcomes []Outcome) error {
	var failures []Outcome
	for _, o := range outcomes {
		if !o.Succeeded() {
			failures = append(failures, o)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &AggregateError{Failures: failures}
}
