// Package edge deploys to Microsoft Edge Add-ons through the publish API.
//
// The flow is operation-based: POST the zip against the product's draft
// submission and get an operation ID back in the Location header, poll that
// operation until it leaves InProgress, submit the draft for publishing, then
// poll the publish operation the same way. Three credential schemes are
// supported: the current ApiKey+ClientID header pair, the legacy OAuth
// client-credentials bearer, and a browser cookie driving the partner
// console directly (legacy.go).
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/manifest"
	"github.com/GoCodeAlone/extdeploy/request"
)

const (
	defaultBaseURL = "https://api.addons.microsoftedge.microsoft.com/v1"

	manualDeployURL = "https://partner.microsoft.com/en-us/dashboard/microsoftedge"

	tokenScope = "https://api.addons.microsoftedge.microsoft.com/.default"
)

// Config holds the pipeline's endpoint, retry behavior and polling cadence.
type Config struct {
	BaseURL       string
	Retry         request.Config
	PollInterval  time.Duration
	PollTimeout   time.Duration
	SessionGate   *deploy.SessionGate
	NewSession    SessionFactory
	LegacyConfirm time.Duration
}

// Pipeline implements deploy.Pipeline for Edge Add-ons.
type Pipeline struct {
	config Config
	client *http.Client
	exec   *request.Executor
	steps  *deploy.Steps
	logger *slog.Logger
}

// New creates an Edge pipeline. Nil steps/logger fall back to defaults.
func New(config Config, steps *deploy.Steps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if steps == nil {
		steps = deploy.NewSteps(logger)
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 10 * time.Minute
	}
	if config.LegacyConfirm <= 0 {
		config.LegacyConfirm = 10 * time.Minute
	}
	return &Pipeline{
		config: config,
		client: &http.Client{},
		exec:   request.New(config.Retry, logger),
		steps:  steps,
		logger: logger.With("store", deploy.StoreEdge),
	}
}

// Store returns deploy.StoreEdge.
func (p *Pipeline) Store() deploy.Store { return deploy.StoreEdge }

// operation is the status body both operation endpoints return.
type operation struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// credentials is the per-run auth state: static headers for the ApiKey
// scheme, a refreshable bearer for the legacy client-credentials scheme.
type credentials struct {
	auth   *deploy.EdgeAuth
	bearer string
}

// refreshable reports whether a rejected token can be re-acquired.
func (c *credentials) refreshable() bool {
	return c.auth.ClientSecret != "" && c.auth.AccessTokenURL != ""
}

func (c *credentials) apply(httpReq *http.Request) {
	if c.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearer)
		return
	}
	httpReq.Header.Set("Authorization", "ApiKey "+c.auth.APIKey)
	httpReq.Header.Set("X-ClientID", c.auth.ClientID)
}

// Deploy runs the Edge state machine. The browser-driven console flow is
// selected when only a cookie credential is present.
func (p *Pipeline) Deploy(ctx context.Context, req deploy.Request) deploy.Outcome {
	if err := req.Validate(); err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, err)
	}

	m, err := manifest.Read(req.Zip)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, &deploy.InputError{Store: p.Store(), Message: err.Error()})
	}

	creds := &credentials{auth: req.Edge}
	if req.Edge.APIKey == "" && !creds.refreshable() {
		return p.deployBrowser(ctx, req, m)
	}
	return p.deployAPI(ctx, req, m)
}

func (p *Pipeline) deployAPI(ctx context.Context, req deploy.Request, m manifest.Manifest) deploy.Outcome {
	artifact := m.Describe()

	creds := &credentials{auth: req.Edge}
	if creds.refreshable() {
		bearer, err := p.fetchBearer(ctx, req.Edge)
		if err != nil {
			return deploy.Fail(p.Store(), deploy.StageAuth, err)
		}
		creds.bearer = bearer
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "authenticated", "product", req.TargetID)
	}

	opID, err := p.uploadWithReauth(ctx, req, creds, artifact)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "uploaded zip", "operation", opID)
	}

	pollURL := fmt.Sprintf("%s/products/%s/submissions/draft/package/operations/%s", p.config.BaseURL, req.TargetID, opID)
	if err := p.awaitOperation(ctx, req, creds, pollURL, "upload", artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageValidate, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "upload validated", "version", m.Version)
	}

	publishOp, err := p.publish(ctx, req, creds, artifact)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StagePublish, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "submitted for publishing", "operation", publishOp)
	}

	confirmURL := fmt.Sprintf("%s/products/%s/submissions/operations/%s", p.config.BaseURL, req.TargetID, publishOp)
	if err := p.awaitOperation(ctx, req, creds, confirmURL, "publish", artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageConfirm, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "publish confirmed", "version", m.Version)
	}

	return deploy.Success(p.Store(), req.TargetID, m.Name, m.Version)
}

// fetchBearer acquires a client-credentials token for the legacy API scheme.
func (p *Pipeline) fetchBearer(ctx context.Context, auth *deploy.EdgeAuth) (string, error) {
	conf := &clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.AccessTokenURL,
		Scopes:       []string{tokenScope},
	}
	tok, err := conf.Token(ctx)
	if err != nil {
		return "", &deploy.AuthError{
			Store:    p.Store(),
			Artifact: "access token",
			Err:      err,
			Hint:     "The client ID, client secret and/or access token URL may have expired. Retrieve new ones from " + manualDeployURL + "/publishapi",
		}
	}
	return tok.AccessToken, nil
}

// uploadWithReauth uploads the draft package. A single rejected token is
// refreshed and the upload retried exactly once; a second rejection is
// terminal.
func (p *Pipeline) uploadWithReauth(ctx context.Context, req deploy.Request, creds *credentials, artifact string) (string, error) {
	opID, err := p.upload(ctx, req, creds)
	if err == nil {
		return opID, nil
	}

	if creds.refreshable() && isTokenRejected(err) {
		bearer, authErr := p.fetchBearer(ctx, req.Edge)
		if authErr != nil {
			return "", authErr
		}
		creds.bearer = bearer
		if opID, err = p.upload(ctx, req, creds); err == nil {
			return opID, nil
		}
	}
	return "", deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "upload", manualDeployURL, err)
}

// isTokenRejected matches the API's expired-bearer responses.
func isTokenRejected(err error) bool {
	var httpErr *request.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Unauthorized() || strings.Contains(string(httpErr.Body), "Invalid JWT")
	}
	return false
}

func (p *Pipeline) upload(ctx context.Context, req deploy.Request, creds *credentials) (string, error) {
	zipData, err := os.ReadFile(req.Zip)
	if err != nil {
		return "", &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("read zip: %v", err)}
	}

	url := fmt.Sprintf("%s/products/%s/submissions/draft/package", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "upload", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(zipData))
		if err != nil {
			return nil, err
		}
		creds.apply(httpReq)
		httpReq.Header.Set("Content-Type", "application/zip")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return "", err
	}

	opID := res.Location()
	if opID == "" {
		return "", fmt.Errorf("upload accepted but no operation ID returned")
	}
	return opID, nil
}

// awaitOperation polls an operation endpoint until it leaves InProgress.
func (p *Pipeline) awaitOperation(ctx context.Context, req deploy.Request, creds *credentials, url, action, artifact string) error {
	deadline := time.Now().Add(p.config.PollTimeout)

	for {
		res, err := p.exec.Do(ctx, action+" status", func(ctx context.Context) (*http.Response, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			creds.apply(httpReq)
			return p.client.Do(httpReq)
		})
		if err != nil {
			return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, action, manualDeployURL, err)
		}

		var op operation
		if err := json.Unmarshal(res.Body, &op); err != nil {
			return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: action,
				Err: fmt.Errorf("parse operation status: %w", err)}
		}

		switch op.Status {
		case "InProgress":
			// keep polling
		case "Succeeded":
			return nil
		case "Failed":
			items := make([]string, 0, len(op.Errors))
			for _, e := range op.Errors {
				items = append(items, e.Message)
			}
			if len(items) == 0 && op.Message != "" {
				items = append(items, op.Message)
			}
			if len(items) == 0 {
				items = append(items, "operation failed without details")
			}
			return &deploy.ValidationError{Store: p.Store(), Artifact: artifact, Action: action, Items: items}
		default:
			return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: action,
				Err: fmt.Errorf("unexpected operation status %q", op.Status)}
		}

		if time.Now().After(deadline) {
			return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: action,
				Err: fmt.Errorf("operation still in progress after %s", p.config.PollTimeout)}
		}
		select {
		case <-time.After(p.config.PollInterval):
		case <-ctx.Done():
			return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: action, Err: ctx.Err()}
		}
	}
}

// publish submits the draft and returns the publish operation ID.
func (p *Pipeline) publish(ctx context.Context, req deploy.Request, creds *credentials, artifact string) (string, error) {
	payload, err := json.Marshal(map[string]string{"notes": req.ReviewerNotes})
	if err != nil {
		return "", fmt.Errorf("encode publish payload: %w", err)
	}

	url := fmt.Sprintf("%s/products/%s/submissions", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "publish", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		creds.apply(httpReq)
		httpReq.Header.Set("Content-Type", "application/json")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return "", deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "publish", manualDeployURL, err)
	}

	if res.Status != http.StatusAccepted {
		return "", &deploy.PublishError{Store: p.Store(), Artifact: artifact,
			Err: fmt.Errorf("submission not accepted (HTTP %d): %s", res.Status, res.Body)}
	}
	opID := res.Location()
	if opID == "" {
		return "", &deploy.PublishError{Store: p.Store(), Artifact: artifact,
			Err: errors.New("submission accepted but no operation ID returned")}
	}
	return opID, nil
}
