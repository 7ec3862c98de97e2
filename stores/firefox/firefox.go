// Package firefox deploys to addons.mozilla.org through the add-on
// submission API.
//
// Every call authenticates with a freshly signed short-lived JWT, because the
// tokens expire within minutes and an upload poll can easily outlive one.
// The flow: multipart-upload the zip on the listed channel, poll the upload
// until the linter has processed it, create a new version referencing the
// upload (attaching locale-tagged release notes and reviewer notes), then
// optionally attach a source-code archive.
package firefox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/manifest"
	"github.com/GoCodeAlone/extdeploy/request"
)

const (
	defaultBaseURL = "https://addons.mozilla.org"

	manualDeployURL = "https://addons.mozilla.org/developers/addons"

	// AMO rejects tokens valid longer than 5 minutes; 2 minutes is plenty
	// for a single call.
	defaultTokenTTL = 2 * time.Minute
)

// Config holds the pipeline's endpoint, retry behavior and polling cadence.
type Config struct {
	BaseURL       string
	Retry         request.Config
	TokenTTL      time.Duration
	PollInterval  time.Duration
	UploadTimeout time.Duration
}

// Pipeline implements deploy.Pipeline for Firefox Add-ons.
type Pipeline struct {
	config Config
	client *http.Client
	exec   *request.Executor
	steps  *deploy.Steps
	logger *slog.Logger
}

// New creates a Firefox pipeline. Nil steps/logger fall back to defaults.
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
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaultTokenTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 10 * time.Minute
	}
	return &Pipeline{
		config: config,
		client: &http.Client{},
		exec:   request.New(config.Retry, logger),
		steps:  steps,
		logger: logger.With("store", deploy.StoreFirefox),
	}
}

// Store returns deploy.StoreFirefox.
func (p *Pipeline) Store() deploy.Store { return deploy.StoreFirefox }

// uploadDetail is the submission API's view of an uploaded file.
type uploadDetail struct {
	UUID       string `json:"uuid"`
	Channel    string `json:"channel"`
	Processed  bool   `json:"processed"`
	Valid      bool   `json:"valid"`
	Version    string `json:"version"`
	Validation struct {
		Messages []struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"messages"`
	} `json:"validation"`
}

// versionDetail is the response to creating a new add-on version.
type versionDetail struct {
	ID      int64  `json:"id"`
	Version string `json:"version"`
}

// Deploy runs the Firefox state machine: upload, poll validation, create the
// version with its changelogs, attach source if provided.
func (p *Pipeline) Deploy(ctx context.Context, req deploy.Request) deploy.Outcome {
	if err := req.Validate(); err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, err)
	}

	m, err := manifest.Read(req.Zip)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, &deploy.InputError{Store: p.Store(), Message: err.Error()})
	}
	artifact := m.Describe()

	upload, err := p.uploadZip(ctx, req, artifact)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "uploaded zip", "uuid", upload.UUID)
	}

	detail, err := p.awaitProcessed(ctx, req, upload.UUID, artifact)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageValidate, err)
	}
	if !detail.Valid {
		items := make([]string, 0, len(detail.Validation.Messages))
		for _, msg := range detail.Validation.Messages {
			if msg.Type == "error" {
				items = append(items, msg.Message)
			}
		}
		if len(items) == 0 {
			items = append(items, "the add-on linter rejected the package without details")
		}
		return deploy.Fail(p.Store(), deploy.StageValidate,
			&deploy.ValidationError{Store: p.Store(), Artifact: artifact, Action: "upload", Items: items})
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "upload validated", "version", detail.Version)
	}

	ver, err := p.createVersion(ctx, req, m, upload.UUID, artifact)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StagePublish, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "created version", "version", ver.Version)
		if req.ReleaseNotes != "" {
			p.steps.Log(p.Store(), "added changelog", "locale", m.Locale())
		}
		if req.ReviewerNotes != "" {
			p.steps.Log(p.Store(), "added reviewer notes")
		}
	}

	if req.SourceZip != "" {
		if err := p.attachSource(ctx, req, ver.ID, artifact); err != nil {
			return deploy.Fail(p.Store(), deploy.StagePublish, err)
		}
		if req.Verbose {
			p.steps.Log(p.Store(), "uploaded source zip", "zip", req.SourceZip)
		}
	}

	return deploy.Success(p.Store(), req.TargetID, m.Name, m.Version)
}

// authorize sets the request's auth header: a fresh JWT for the API key
// pair, or the legacy session cookie when that is the only credential.
func (p *Pipeline) authorize(httpReq *http.Request, auth *deploy.FirefoxAuth) error {
	if auth.JWTIssuer != "" && auth.JWTSecret != "" {
		token, err := signToken(auth.JWTIssuer, auth.JWTSecret, p.config.TokenTTL)
		if err != nil {
			return fmt.Errorf("sign auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "JWT "+token)
		return nil
	}
	httpReq.Header.Set("Cookie", "sessionid="+auth.SessionCookie)
	return nil
}

// signToken builds the HS256 bearer AMO expects: iss/jti/iat/exp, nothing
// else.
func signToken(issuer, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (p *Pipeline) uploadZip(ctx context.Context, req deploy.Request, artifact string) (*uploadDetail, error) {
	zipData, err := os.ReadFile(req.Zip)
	if err != nil {
		return nil, &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("read zip: %v", err)}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("upload", filepath.Base(req.Zip))
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := fw.Write(zipData); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.WriteField("channel", "listed"); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}

	url := p.config.BaseURL + "/api/v5/addons/upload/"
	res, err := p.exec.Do(ctx, "upload", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		if err := p.authorize(httpReq, req.Firefox); err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		return p.client.Do(httpReq)
	})
	if err != nil {
		return nil, deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "upload", manualDeployURL, err)
	}

	var detail uploadDetail
	if err := json.Unmarshal(res.Body, &detail); err != nil {
		return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "upload",
			Err: fmt.Errorf("parse upload response: %w", err)}
	}
	if detail.UUID == "" {
		return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "upload",
			Err: errors.New("upload response carries no uuid")}
	}
	return &detail, nil
}

// awaitProcessed polls the upload detail endpoint until the linter finishes.
func (p *Pipeline) awaitProcessed(ctx context.Context, req deploy.Request, uploadID, artifact string) (*uploadDetail, error) {
	url := fmt.Sprintf("%s/api/v5/addons/upload/%s/", p.config.BaseURL, uploadID)
	deadline := time.Now().Add(p.config.UploadTimeout)

	for {
		res, err := p.exec.Do(ctx, "verify upload", func(ctx context.Context) (*http.Response, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			if err := p.authorize(httpReq, req.Firefox); err != nil {
				return nil, err
			}
			return p.client.Do(httpReq)
		})
		if err != nil {
			return nil, deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "verify upload of", manualDeployURL, err)
		}

		var detail uploadDetail
		if err := json.Unmarshal(res.Body, &detail); err != nil {
			return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "verify upload of",
				Err: fmt.Errorf("parse upload detail: %w", err)}
		}
		if detail.Processed {
			return &detail, nil
		}
		if time.Now().After(deadline) {
			return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "verify upload of",
				Err: fmt.Errorf("upload not processed after %s", p.config.UploadTimeout)}
		}

		select {
		case <-time.After(p.config.PollInterval):
		case <-ctx.Done():
			return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "verify upload of", Err: ctx.Err()}
		}
	}
}

func (p *Pipeline) createVersion(ctx context.Context, req deploy.Request, m manifest.Manifest, uploadID, artifact string) (*versionDetail, error) {
	payload := map[string]any{"upload": uploadID}
	if req.ReleaseNotes != "" {
		payload["release_notes"] = map[string]string{m.Locale(): req.ReleaseNotes}
	}
	if req.ReviewerNotes != "" {
		payload["approval_notes"] = req.ReviewerNotes
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode version payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/v5/addons/addon/%s/versions/", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "create version", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if err := p.authorize(httpReq, req.Firefox); err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return nil, deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "create version of", manualDeployURL, err)
	}

	var ver versionDetail
	if err := json.Unmarshal(res.Body, &ver); err != nil {
		return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "create version of",
			Err: fmt.Errorf("parse version response: %w", err)}
	}
	return &ver, nil
}

// attachSource PATCHes the source archive onto the freshly created version.
func (p *Pipeline) attachSource(ctx context.Context, req deploy.Request, versionID int64, artifact string) error {
	srcData, err := os.ReadFile(req.SourceZip)
	if err != nil {
		return &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("read source zip: %v", err)}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("source", filepath.Base(req.SourceZip))
	if err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := fw.Write(srcData); err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/api/v5/addons/addon/%s/versions/%d/", p.config.BaseURL, req.TargetID, versionID)
	_, err = p.exec.Do(ctx, "upload source", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		if err := p.authorize(httpReq, req.Firefox); err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "upload source of", manualDeployURL, err)
	}
	return nil
}
