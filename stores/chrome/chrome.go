// Package chrome deploys to the Chrome Web Store through its upload API.
//
// The flow is the simplest of the four stores: refresh an OAuth access
// token, PUT the zip over the existing item, inspect uploadState, then ask
// for publication. The upload call is synchronous, so there is no separate
// confirmation poll.
package chrome

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

	"golang.org/x/oauth2"

	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/manifest"
	"github.com/GoCodeAlone/extdeploy/request"
)

const (
	defaultBaseURL  = "https://www.googleapis.com"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	// Shown when a rate limit cannot be waited out.
	manualDeployURL = "https://chrome.google.com/webstore/devconsole"
)

// Config holds the pipeline's endpoints and retry behavior. Zero values use
// the real Chrome Web Store endpoints.
type Config struct {
	BaseURL  string
	TokenURL string
	Retry    request.Config
}

// Pipeline implements deploy.Pipeline for the Chrome Web Store.
type Pipeline struct {
	config Config
	client *http.Client
	exec   *request.Executor
	steps  *deploy.Steps
	logger *slog.Logger
}

// New creates a Chrome pipeline. Nil steps/logger fall back to defaults.
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
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	return &Pipeline{
		config: config,
		client: &http.Client{},
		exec:   request.New(config.Retry, logger),
		steps:  steps,
		logger: logger.With("store", deploy.StoreChrome),
	}
}

// Store returns deploy.StoreChrome.
func (p *Pipeline) Store() deploy.Store { return deploy.StoreChrome }

// uploadResponse is the item state the upload API reports.
type uploadResponse struct {
	UploadState string `json:"uploadState"`
	ItemError   []struct {
		ErrorCode   string `json:"error_code"`
		ErrorDetail string `json:"error_detail"`
	} `json:"itemError"`
}

// publishResponse reports the publish call's status codes.
type publishResponse struct {
	Status       []string `json:"status"`
	StatusDetail []string `json:"statusDetail"`
}

// Deploy runs the Chrome state machine: validate input, refresh the access
// token, upload the package, check uploadState, publish.
func (p *Pipeline) Deploy(ctx context.Context, req deploy.Request) deploy.Outcome {
	if err := req.Validate(); err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, err)
	}

	m, err := manifest.Read(req.Zip)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, &deploy.InputError{Store: p.Store(), Message: err.Error()})
	}
	artifact := m.Describe()

	token, err := p.accessToken(ctx, req.Chrome)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageAuth, &deploy.AuthError{
			Store:    p.Store(),
			Artifact: artifact,
			Err:      err,
			Hint:     "Check the client ID, client secret and refresh token",
		})
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "authenticated", "target", req.TargetID)
	}

	if err := p.upload(ctx, req, token, artifact); err != nil {
		stage := deploy.StageUpload
		var vErr *deploy.ValidationError
		if errors.As(err, &vErr) {
			stage = deploy.StageValidate
		}
		return deploy.Fail(p.Store(), stage, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "uploaded zip", "zip", req.Zip)
	}

	if err := p.publish(ctx, req, token, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StagePublish, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "published", "version", m.Version)
	}

	return deploy.Success(p.Store(), req.TargetID, m.Name, m.Version)
}

// accessToken exchanges the refresh token for a short-lived access token.
func (p *Pipeline) accessToken(ctx context.Context, auth *deploy.ChromeAuth) (string, error) {
	conf := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.config.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: auth.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return tok.AccessToken, nil
}

func (p *Pipeline) upload(ctx context.Context, req deploy.Request, token, artifact string) error {
	zipData, err := os.ReadFile(req.Zip)
	if err != nil {
		return &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("read zip: %v", err)}
	}

	url := fmt.Sprintf("%s/upload/chromewebstore/v1.1/items/%s", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "upload", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(zipData))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("x-goog-api-version", "2")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "upload", manualDeployURL, err)
	}

	var state uploadResponse
	if err := json.Unmarshal(res.Body, &state); err != nil {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "upload",
			Err: fmt.Errorf("parse upload response: %w", err)}
	}

	if state.UploadState == "FAILURE" {
		items := make([]string, 0, len(state.ItemError))
		for _, ie := range state.ItemError {
			items = append(items, ie.ErrorDetail)
		}
		if len(items) == 0 {
			items = append(items, "upload failed without details")
		}
		return &deploy.ValidationError{Store: p.Store(), Artifact: artifact, Action: "upload", Items: items}
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, req deploy.Request, token, artifact string) error {
	url := fmt.Sprintf("%s/chromewebstore/v1.1/items/%s/publish", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "publish", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("x-goog-api-version", "2")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "publish", manualDeployURL, err)
	}

	// Some responses come back with an empty body on success.
	if len(bytes.TrimSpace(res.Body)) == 0 {
		return nil
	}
	var status publishResponse
	if err := json.Unmarshal(res.Body, &status); err != nil {
		return &deploy.PublishError{Store: p.Store(), Artifact: artifact,
			Err: fmt.Errorf("parse publish response: %w", err)}
	}
	for _, s := range status.Status {
		if s != "OK" && s != "ITEM_PENDING_REVIEW" {
			detail := s
			if len(status.StatusDetail) > 0 {
				detail = strings.Join(status.StatusDetail, "\n")
			}
			return &deploy.PublishError{Store: p.Store(), Artifact: artifact, Err: fmt.Errorf("%s", detail)}
		}
	}
	return nil
}
