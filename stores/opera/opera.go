// Package opera deploys to the Opera Add-ons catalog through the developer
// API, authenticating with the console's session cookie pair.
//
// The catalog keeps one mutable draft per package, so the flow is
// state-driven rather than upload-driven: list the package's versions, refuse
// versions the moderators already have, clear a blocking unsubmitted draft,
// chunk-upload the zip, materialize it as a new package version, check the
// listing carries a source-code reference, patch the changelog and finally
// submit for moderation.
package opera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/manifest"
	"github.com/GoCodeAlone/extdeploy/request"
)

const (
	defaultBaseURL = "https://addons.opera.com/api"

	refererURL = "https://addons.opera.com"
)

// manualURL points at the listing page where a blocked step can be finished
// by hand.
func manualURL(targetID, version, locale string) string {
	return fmt.Sprintf("https://addons.opera.com/developer/package/%s/version/%s?language=%s",
		targetID, version, url.QueryEscape(locale))
}

// Config holds the pipeline's endpoint and retry behavior. NewSession
// optionally enables the console fallback that deletes a draft the API
// refuses to cancel.
type Config struct {
	BaseURL     string
	Retry       request.Config
	SessionGate *deploy.SessionGate
	NewSession  SessionFactory
}

// Pipeline implements deploy.Pipeline for Opera Add-ons.
type Pipeline struct {
	config Config
	client *http.Client
	exec   *request.Executor
	steps  *deploy.Steps
	logger *slog.Logger
}

// New creates an Opera pipeline. Nil steps/logger fall back to defaults.
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
	return &Pipeline{
		config: config,
		client: &http.Client{},
		exec:   request.New(config.Retry, logger),
		steps:  steps,
		logger: logger.With("store", deploy.StoreOpera),
	}
}

// Store returns deploy.StoreOpera.
func (p *Pipeline) Store() deploy.Store { return deploy.StoreOpera }

// packageVersion is one row of the package's version list.
type packageVersion struct {
	Version                string `json:"version"`
	SubmittedForModeration bool   `json:"submitted_for_moderation"`
}

// packageDetail is the developer API's view of a package. Versions are
// ordered newest first.
type packageDetail struct {
	Versions []packageVersion `json:"versions"`
}

// listingDetail is a single package version's listing.
type listingDetail struct {
	SourceURL              string `json:"source_url"`
	SourceForModeratorsURL string `json:"source_for_moderators_url"`
}

// uploadReceipt is the response to materializing an uploaded file as a
// package version. A populated package_file is the API's way of rejecting
// the zip.
type uploadReceipt struct {
	PackageFile string `json:"package_file"`
}

// Deploy runs the Opera state machine.
func (p *Pipeline) Deploy(ctx context.Context, req deploy.Request) deploy.Outcome {
	if err := req.Validate(); err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, err)
	}

	m, err := manifest.Read(req.Zip)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageInput, &deploy.InputError{Store: p.Store(), Message: err.Error()})
	}
	artifact := m.Describe()

	// The version list is the first authenticated call; an expired cookie
	// pair surfaces here.
	detail, err := p.listVersions(ctx, req, artifact)
	if err != nil {
		return deploy.Fail(p.Store(), deploy.StageAuth, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "listed package versions", "count", len(detail.Versions))
	}

	for _, v := range detail.Versions {
		if v.Version == m.Version && v.SubmittedForModeration {
			return deploy.Fail(p.Store(), deploy.StageUpload, &deploy.VersionConflictError{
				Store:    p.Store(),
				Artifact: artifact,
				Version:  m.Version,
				Message:  fmt.Sprintf("version %s of %s has already been submitted for moderation", m.Version, artifact),
			})
		}
	}

	if err := p.clearBlockingDraft(ctx, req, m, detail.Versions, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload, err)
	}

	if err := p.uploadZip(ctx, req, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageUpload, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "uploaded zip", "zip", req.Zip)
	}

	if err := p.verifyUpload(ctx, req, detail.Versions, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageValidate, err)
	}
	if err := p.verifySource(ctx, req, m, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageValidate, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "upload verified", "version", m.Version)
	}

	if req.ReleaseNotes != "" {
		if err := p.updateChangelog(ctx, req, m, artifact); err != nil {
			return deploy.Fail(p.Store(), deploy.StageChangelog, err)
		}
		if req.Verbose {
			p.steps.Log(p.Store(), "updated changelog", "locale", m.Locale())
		}
	}

	if err := p.submit(ctx, req, m, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StagePublish, err)
	}
	if req.Verbose {
		p.steps.Log(p.Store(), "submitted for moderation", "version", m.Version)
	}

	if err := p.confirmSubmitted(ctx, req, m, artifact); err != nil {
		return deploy.Fail(p.Store(), deploy.StageConfirm, err)
	}

	return deploy.Success(p.Store(), req.TargetID, m.Name, m.Version)
}

// authorize sets the cookie pair plus the CSRF and Referer headers the
// developer API requires on every call.
func (p *Pipeline) authorize(httpReq *http.Request, auth *deploy.OperaAuth) {
	httpReq.Header.Set("Cookie", fmt.Sprintf("csrftoken=%s; sessionid=%s", auth.CSRFToken, auth.SessionID))
	httpReq.Header.Set("X-Csrftoken", auth.CSRFToken)
	httpReq.Header.Set("Referer", refererURL)
	httpReq.Header.Set("Accept", "application/json; version=1.0")
}

func (p *Pipeline) listVersions(ctx context.Context, req deploy.Request, artifact string) (*packageDetail, error) {
	url := fmt.Sprintf("%s/developer/packages/%s/", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "list versions", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		return p.client.Do(httpReq)
	})
	if err != nil {
		return nil, deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "get all package versions of", refererURL+"/developer", err)
	}

	var detail packageDetail
	if err := json.Unmarshal(res.Body, &detail); err != nil {
		return nil, &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "get all package versions of",
			Err: fmt.Errorf("parse package detail: %w", err)}
	}
	return &detail, nil
}

// clearBlockingDraft cancels the newest version when it was never submitted,
// since a lingering draft blocks any new upload. If the API refuses the
// cancel and a console session factory is configured, the draft is deleted
// through the console instead. Either way the corrective action runs once.
func (p *Pipeline) clearBlockingDraft(ctx context.Context, req deploy.Request, m manifest.Manifest, versions []packageVersion, artifact string) error {
	if len(versions) == 0 || versions[0].SubmittedForModeration {
		return nil
	}
	draft := versions[0].Version

	if req.Verbose {
		p.steps.Log(p.Store(), "canceling unsubmitted version", "version", draft)
	}
	url := fmt.Sprintf("%s/developer/package-versions/%s-%s/cancel_changes/", p.config.BaseURL, req.TargetID, draft)
	_, err := p.exec.Do(ctx, "cancel unsubmitted changes", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		return p.client.Do(httpReq)
	})
	if err == nil {
		return nil
	}

	var httpErr *request.HTTPError
	if errors.As(err, &httpErr) && p.config.NewSession != nil {
		if consoleErr := p.deleteDraftViaConsole(ctx, req, draft); consoleErr == nil {
			return nil
		} else if req.Verbose {
			p.steps.Log(p.Store(), "console draft deletion failed", "error", consoleErr)
		}
	}
	return &deploy.StateConflictError{Store: p.Store(), Artifact: artifact,
		Message: fmt.Sprintf("an unsubmitted version %s is blocking the upload and could not be canceled: %v", draft, err)}
}

// fileIdentity derives the chunked-upload identifiers: the plain zip name and
// the flow identifier, which is the byte size joined to the name with its
// dots stripped.
func fileIdentity(zipPath string) (name, id string, err error) {
	info, err := os.Stat(zipPath)
	if err != nil {
		return "", "", err
	}
	name = filepath.Base(zipPath)
	id = fmt.Sprintf("%d-%s", info.Size(), strings.ReplaceAll(name, ".", ""))
	return name, id, nil
}

// uploadZip pushes the zip through the console's chunked upload endpoint,
// always as a single chunk.
func (p *Pipeline) uploadZip(ctx context.Context, req deploy.Request, artifact string) error {
	zipName, fileID, err := fileIdentity(req.Zip)
	if err != nil {
		return &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("stat zip: %v", err)}
	}
	zipData, err := os.ReadFile(req.Zip)
	if err != nil {
		return &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("read zip: %v", err)}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, value := range map[string]string{
		"flowChunkNumber": "1",
		"flowFilename":    zipName,
		"flowIdentifier":  fileID,
	} {
		if err := mw.WriteField(field, value); err != nil {
			return fmt.Errorf("build multipart body: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", zipName)
	if err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := fw.Write(zipData); err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}

	url := p.config.BaseURL + "/file-upload/"
	_, err = p.exec.Do(ctx, "upload zip", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "upload zip for", refererURL+"/developer", err)
	}
	return nil
}

// verifyUpload materializes the uploaded file as a package version, copying
// listing metadata from the last version the moderators saw. A populated
// package_file in the response is the API rejecting the zip.
func (p *Pipeline) verifyUpload(ctx context.Context, req deploy.Request, versions []packageVersion, artifact string) error {
	zipName, fileID, err := fileIdentity(req.Zip)
	if err != nil {
		return &deploy.InputError{Store: p.Store(), Message: fmt.Sprintf("stat zip: %v", err)}
	}

	lastSubmitted := ""
	for _, v := range versions {
		if v.SubmittedForModeration {
			lastSubmitted = v.Version
			break
		}
	}

	payload, err := json.Marshal(map[string]string{
		"file_id":       fileID,
		"file_name":     zipName,
		"metadata_from": lastSubmitted,
	})
	if err != nil {
		return fmt.Errorf("encode upload verification payload: %w", err)
	}

	url := fmt.Sprintf("%s/developer/package-versions/?package_id=%s", p.config.BaseURL, req.TargetID)
	res, err := p.exec.Do(ctx, "verify upload", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		httpReq.Header.Set("Content-Type", "application/json")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "verify upload of", refererURL+"/developer", err)
	}

	var receipt uploadReceipt
	if err := json.Unmarshal(res.Body, &receipt); err != nil {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "verify upload of",
			Err: fmt.Errorf("parse upload receipt: %w", err)}
	}
	if receipt.PackageFile != "" {
		return &deploy.ValidationError{Store: p.Store(), Artifact: artifact, Action: "verify upload of",
			Items: []string{receipt.PackageFile}}
	}
	return nil
}

// verifySource checks the new version's listing carries a source-code
// reference; moderators reject submissions without one, so failing early
// with the listing URL beats a silent rejection days later.
func (p *Pipeline) verifySource(ctx context.Context, req deploy.Request, m manifest.Manifest, artifact string) error {
	url := fmt.Sprintf("%s/developer/package-versions/%s-%s/", p.config.BaseURL, req.TargetID, m.Version)
	res, err := p.exec.Do(ctx, "verify source code", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "verify source code existence of", refererURL+"/developer", err)
	}

	var listing listingDetail
	if err := json.Unmarshal(res.Body, &listing); err != nil {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "verify source code existence of",
			Err: fmt.Errorf("parse listing: %w", err)}
	}
	if listing.SourceURL == "" && listing.SourceForModeratorsURL == "" {
		return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "verify source code existence of",
			Err: fmt.Errorf("no source code provided; add a URL at %s and submit the changes",
				manualURL(req.TargetID, m.Version, m.Locale()))}
	}
	return nil
}

func (p *Pipeline) updateChangelog(ctx context.Context, req deploy.Request, m manifest.Manifest, artifact string) error {
	payload, err := json.Marshal(map[string]any{
		"translations": map[string]any{
			m.Locale(): map[string]string{"changelog": req.ReleaseNotes},
		},
	})
	if err != nil {
		return fmt.Errorf("encode changelog payload: %w", err)
	}

	url := fmt.Sprintf("%s/developer/package-versions/%s-%s/", p.config.BaseURL, req.TargetID, m.Version)
	_, err = p.exec.Do(ctx, "update changelog", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		httpReq.Header.Set("Content-Type", "application/json")
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "update changelog of", refererURL+"/developer", err)
	}
	return nil
}

func (p *Pipeline) submit(ctx context.Context, req deploy.Request, m manifest.Manifest, artifact string) error {
	url := fmt.Sprintf("%s/developer/package-versions/%s-%s/submit_for_moderation/", p.config.BaseURL, req.TargetID, m.Version)
	_, err := p.exec.Do(ctx, "submit", func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		p.authorize(httpReq, req.Opera)
		return p.client.Do(httpReq)
	})
	if err != nil {
		return deploy.WrapRequestError(p.Store(), artifact, req.TargetID, "submit changes to", refererURL+"/developer", err)
	}
	return nil
}

// confirmSubmitted re-reads the version list and checks the new version is
// actually marked submitted.
func (p *Pipeline) confirmSubmitted(ctx context.Context, req deploy.Request, m manifest.Manifest, artifact string) error {
	detail, err := p.listVersions(ctx, req, artifact)
	if err != nil {
		return err
	}
	for _, v := range detail.Versions {
		if v.Version == m.Version && v.SubmittedForModeration {
			return nil
		}
	}
	return &deploy.StageError{Store: p.Store(), Artifact: artifact, Action: "confirm submission of",
		Err: fmt.Errorf("version %s is not listed as submitted for moderation", m.Version)}
}
