package deploy

import (
	"errors"

	"github.com/GoCodeAlone/extdeploy/request"
)

// WrapRequestError maps a retry-executor error onto the deploy taxonomy so
// every pipeline surfaces the same error shapes. manualURL, when known, is
// attached to escalated rate limits as a manual-deploy suggestion.
func WrapRequestError(store Store, artifact, targetID, action, manualURL string, err error) error {
	var httpErr *request.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.NotFound():
			return &NotFoundError{Store: store, TargetID: targetID}
		case httpErr.Unauthorized():
			return &AuthError{Store: store, Artifact: artifact, Err: httpErr}
		}
		return &StageError{Store: store, Artifact: artifact, Action: action, Err: httpErr}
	}

	var rlErr *request.RateLimitError
	if errors.As(err, &rlErr) {
		return &RateLimitedError{Store: store, Artifact: artifact, Wait: rlErr.Wait, ManualURL: manualURL}
	}

	return &StageError{Store: store, Artifact: artifact, Action: action, Err: err}
}
