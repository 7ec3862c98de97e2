package edge

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/extdeploy/browser"
	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/manifest"
	"github.com/GoCodeAlone/extdeploy/version"
)

// SessionFactory opens an authenticated partner-console page using the
// request's cookie credential.
type SessionFactory func(ctx context.Context, cookie string) (browser.Session, error)

// Partner-console selectors the legacy flow drives. The console (unlike the
// API) exposes no stable JSON contract, so the flow reads and clicks the
// dashboard directly.
const (
	selLiveVersion   = ".package-version-live"
	selStatusBadge   = ".submission-status"
	selCancelButton  = "button[data-action=cancel-submission]"
	selConfirmCancel = "button[data-action=confirm]"
	selFileInput     = "input[type=file]"
	selSubmitButton  = "button[data-action=submit-update]"
)

// legacyDashboardURL is the per-product packages page.
const legacyDashboardURL = "https://partner.microsoft.com/en-us/dashboard/microsoftedge/%s/packages/dashboard"

// deployBrowser drives the partner console with an injected auth cookie.
// It serializes on the shared browser resource so two cookie-driven
// pipelines never contend for the same interactive window.
func (p *Pipeline) deployBrowser(ctx context.Context, req deploy.Request, m manifest.Manifest) deploy.Outcome {
	artifact := m.Describe()

	if p.config.NewSession == nil {
		return deploy.Fail(p.Store(), deploy.StageAuth, &deploy.InputError{
			Store:   p.Store(),
			Message: "cookie credentials require a browser session factory",
		})
	}

	if gate := p.config.SessionGate; gate != nil {
		if err := gate.Acquire(ctx, "browser"); err != nil {
			return deploy.Fail(p.Store(), deploy.StageAuth,
				&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "open console for", Err: err})
		}
		defer gate.Release("browser")
	}

	session, err := p.config.NewSession(ctx, req.Edge.Cookie)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageAuth, &deploy.AuthError{
			Store:    p.Store(),
			Artifact: artifact,
			Err:      err,
			Hint:     "The auth cookie may have expired; sign in again to refresh it",
		})
	}
	defer session.Close()

	if err := session.Navigate(ctx, fmt.Sprintf(legacyDashboardURL, req.TargetID)); err != nil {
		return deploy.Fail(p.Store(), deploy.StageAuth,
			&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "open console for", Err: err})
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "opened partner console", "product", req.TargetID)
	}

	// The console refuses same-or-older versions at review time; checking
	// up front turns that into a fast local failure.
	live, err := session.Text(ctx, selLiveVersion)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload,
			&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "read live version of", Err: err})
	}
	if live != "" {
		newer, err := version.IsNewer(m.Version, live)
		if err != nil {
			return deploy.Fail(p.Store(), deploy.StageUpload,
				&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "compare versions of", Err: err})
		}
		if !newer {
			return deploy.Fail(p.Store(), deploy.StageUpload, &deploy.VersionConflictError{
				Store: p.Store(), Artifact: artifact, Version: m.Version, Live: live,
			})
		}
	}

	if err := p.resolvePendingSubmission(ctx, session, req, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload, err)
	}

	if err := session.SetFiles(ctx, selFileInput, req.Zip); err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload,
			&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "upload", Err: err})
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "uploaded zip", "zip", req.Zip)
	}

	// The submit button stays disabled until the console finishes checking
	// the package; waiting on it doubles as upload validation.
	err = browser.WaitUntil(ctx, p.config.PollInterval, p.config.LegacyConfirm, func(ctx context.Context) (bool, error) {
		return session.Enabled(ctx, selSubmitButton)
	})
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageValidate,
			&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "validate upload of", Err: err})
	}

	if err := session.Click(ctx, selSubmitButton); err != nil {
		return deploy.Fail(p.Store(), deploy.StagePublish,
			&deploy.PublishError{Store: p.Store(), Artifact: artifact, Err: err})
	}

	// Confirmed once the dashboard flips the submission into review.
	err = browser.WaitUntil(ctx, p.config.PollInterval, p.config.LegacyConfirm, func(ctx context.Context) (bool, error) {
		status, err := session.Text(ctx, selStatusBadge)
		if err != nil {
			return false, err
		}
		return strings.Contains(strings.ToLower(status), "review"), nil
	})
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageConfirm,
			&deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "confirm submission of", Err: err})
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "submission confirmed", "version", m.Version)
	}

	return deploy.Success(p.Store(), req.TargetID, m.Name, m.Version)
}

// resolvePendingSubmission cancels an in-review submission that would block
// the new upload, once. Seeing the blocker again afterwards is terminal.
func (p *Pipeline) resolvePendingSubmission(ctx context.Context, session browser.Session, req deploy.Request, artifact string) error {
	pending, err := session.Exists(ctx, selCancelButton)
	if err != nil {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "inspect submissions of", Err: err}
	}
	if !pending {
		return nil
	}

	if req.Verbose {
		p.steps.Log(p.Store(), "canceling in-review submission")
	}
	if err := session.Click(ctx, selCancelButton); err != nil {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "cancel submission of", Err: err}
	}
	if err := session.Click(ctx, selConfirmCancel); err != nil {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "cancel submission of", Err: err}
	}

	err = browser.WaitUntil(ctx, p.config.PollInterval, p.config.LegacyConfirm, func(ctx context.Context) (bool, error) {
		still, err := session.Exists(ctx, selCancelButton)
		return !still, err
	})
	if err != nil {
		return &deploy.StateConflictError{Store: p.Store(), Artifact: artifact,
			Message: fmt.Sprintf("an in-review submission is still blocking the upload after canceling: %v", err)}
	}
	return nil
}
