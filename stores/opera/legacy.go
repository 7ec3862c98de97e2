package opera

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/extdeploy/browser"
	"github.com/GoCodeAlone/extdeploy/deploy"
)

// SessionFactory opens an authenticated developer-console page using the
// request's cookie pair, rendered as a Cookie header value.
type SessionFactory func(ctx context.Context, cookie string) (browser.Session, error)

// Console selectors for the draft-deletion fallback. The console marks the
// unsubmitted draft row and exposes a delete button with a confirm dialog.
const (
	selDraftRow      = ".version-row.draft"
	selDeleteDraft   = "button[data-action=delete-version]"
	selConfirmDelete = "button[data-action=confirm]"
)

const consolePackageURL = "https://addons.opera.com/developer/package/%s/"

// consoleDeleteTimeout bounds the wait for the console to drop the draft row
// after the delete is confirmed.
const consoleDeleteTimeout = 2 * time.Minute

// deleteDraftViaConsole removes a blocking draft through the developer
// console when the API refuses to cancel it. It serializes on the shared
// browser resource like every console-driven flow.
func (p *Pipeline) deleteDraftViaConsole(ctx context.Context, req deploy.Request, draft string) error {
	if gate := p.config.SessionGate; gate != nil {
		if err := gate.Acquire(ctx, "browser"); err != nil {
			return err
		}
		defer gate.Release("browser")
	}

	cookie := fmt.Sprintf("csrftoken=%s; sessionid=%s", req.Opera.CSRFToken, req.Opera.SessionID)
	session, err := p.config.NewSession(ctx, cookie)
	if err != nil {
		return fmt.Errorf("open console session: %w", err)
	}
	defer session.Close()

	if err := session.Navigate(ctx, fmt.Sprintf(consolePackageURL, req.TargetID)); err != nil {
		return fmt.Errorf("open package page: %w", err)
	}

	present, err := session.Exists(ctx, selDraftRow)
	if err != nil {
		return fmt.Errorf("inspect draft row: %w", err)
	}
	if !present {
		// The draft was already gone; nothing blocks the upload.
		return nil
	}

	if req.Verbose {
		p.steps.Log(p.Store(), "deleting draft through the console", "version", draft)
	}
	if err := session.Click(ctx, selDeleteDraft); err != nil {
		return fmt.Errorf("delete draft %s: %w", draft, err)
	}
	if err := session.Click(ctx, selConfirmDelete); err != nil {
		return fmt.Errorf("confirm deleting draft %s: %w", draft, err)
	}

	err = browser.WaitUntil(ctx, time.Second, consoleDeleteTimeout, func(ctx context.Context) (bool, error) {
		still, err := session.Exists(ctx, selDraftRow)
		return !still, err
	})
	if err != nil {
		return fmt.Errorf("draft %s still present after deleting: %w", draft, err)
	}
	return nil
}
