package deploy

import (
	"fmt"
	"strings"
	"time"
)

// InputError is a fast, local validation failure (missing zip, missing
// credentials). It is raised before any network call.
type InputError struct {
	Store   Store
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Store, e.Message)
}

// AuthError means the store rejected the credentials, after any available
// one-shot refresh was already attempted.
type AuthError struct {
	Store    Store
	Artifact string
	Err      error
	Hint     string
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: failed to authenticate for %s: %v", e.Store, e.Artifact, e.Err)
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError means the store does not know the target extension/product
// ID.
type NotFoundError struct {
	Store    Store
	TargetID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: extension ID does not exist: %s", e.Store, e.TargetID)
}

// ValidationError is a store-side rejection of the package itself, carrying
// the store's itemized messages. Never retried: resubmitting an invalid
// package only burns review quota.
type ValidationError struct {
	Store    Store
	Artifact string
	Action   string
	Items    []string
}

func (e *ValidationError) Error() string {
	prefix := "Error"
	if len(e.Items) > 1 {
		prefix = "Errors"
	}
	return fmt.Sprintf("%s: %s at the %s of %s:\n%s",
		e.Store, prefix, e.Action, e.Artifact, strings.Join(e.Items, "\n"))
}

// VersionConflictError means the new version does not advance past what the
// store already has (or was already submitted). The caller must bump the
// version.
type VersionConflictError struct {
	Store    Store
	Artifact string
	Version  string
	Live     string
	Message  string
}

func (e *VersionConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Store, e.Message)
	}
	return fmt.Sprintf("%s: version %s of %s is not newer than the live version %s",
		e.Store, e.Version, e.Artifact, e.Live)
}

// StateConflictError means a blocking draft/unsubmitted version got in the
// way again after the pipeline already ran its one corrective action.
type StateConflictError struct {
	Store    Store
	Artifact string
	Message  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Store, e.Message, e.Artifact)
}

// RateLimitedError escalates a 429 whose wait would outlive the auth token.
type RateLimitedError struct {
	Store     Store
	Artifact  string
	Wait      time.Duration
	ManualURL string
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("%s: rate limited while deploying %s; the store asked to wait %s, which exceeds the auth token lifetime",
		e.Store, e.Artifact, e.Wait)
	if e.ManualURL != "" {
		msg += fmt.Sprintf(". Deploy manually instead: %s", e.ManualURL)
	}
	return msg
}

// PublishError means the final submit/publish step was rejected.
type PublishError struct {
	Store    Store
	Artifact string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: failed to publish %s: %v", e.Store, e.Artifact, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// StageError wraps any other failure with the store, artifact and attempted
// action, mirroring how all pipeline errors read.
type StageError struct {
	Store    Store
	Artifact string
	Action   string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: failed to %s %s: %v", e.Store, e.Action, e.Artifact, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
