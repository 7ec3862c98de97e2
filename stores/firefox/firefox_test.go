package firefox

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/extdeploy/deploy"
	"github.com/GoCodeAlone/extdeploy/request"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testZip(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ext.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	mw, err := w.Create("manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = mw.Write([]byte(`{"name": "Test Extension", "version": "2.0.0", "default_locale": "en-US"}`))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func testRequest(zipPath string) deploy.Request {
	return deploy.Request{
		Store:         deploy.StoreFirefox,
		TargetID:      "my-addon",
		Zip:           zipPath,
		ReleaseNotes:  "Fixed things",
		ReviewerNotes: "Rebuilt with webpack",
		Firefox:       &deploy.FirefoxAuth{JWTIssuer: "user:123", JWTSecret: "topsecret"},
	}
}

// verifyJWT checks the Authorization header carries a valid HS256 token.
func verifyJWT(t *testing.T, r *http.Request) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "JWT ") {
		t.Errorf("auth header = %q, want JWT bearer", auth)
		return
	}
	token, err := jwtlib.ParseWithClaims(strings.TrimPrefix(auth, "JWT "), &jwtlib.RegisteredClaims{},
		func(*jwtlib.Token) (any, error) { return []byte("topsecret"), nil },
		jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Errorf("parse JWT: %v", err)
		return
	}
	claims := token.Claims.(*jwtlib.RegisteredClaims)
	if claims.Issuer != "user:123" {
		t.Errorf("iss = %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Error("jti missing")
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > 3*time.Minute {
		t.Errorf("exp = %v, want a short-lived token", claims.ExpiresAt)
	}
}

type amoServer struct {
	srv          *httptest.Server
	uploadPolls  atomic.Int32
	versionBody  map[string]any
	sourceCalled atomic.Bool
}

// newAMOServer fakes the submission API: upload, two-poll processing, version
// creation and source attach.
func newAMOServer(t *testing.T, valid bool, messages []map[string]any) *amoServer {
	t.Helper()
	a := &amoServer{}
	mux := newTestMux()
	mux.HandleFunc("POST /api/v5/addons/upload/", func(w http.ResponseWriter, r *http.Request) {
		verifyJWT(t, r)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("channel"); got != "listed" {
			t.Errorf("channel = %q", got)
		}
		if _, _, err := r.FormFile("upload"); err != nil {
			t.Errorf("upload file field: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"uuid": "u-1", "processed": false})
	})
	mux.HandleFunc("GET /api/v5/addons/upload/u-1/", func(w http.ResponseWriter, r *http.Request) {
		verifyJWT(t, r)
		n := a.uploadPolls.Add(1)
		resp := map[string]any{"uuid": "u-1", "processed": n >= 2, "valid": valid, "version": "2.0.0"}
		if messages != nil {
			resp["validation"] = map[string]any{"messages": messages}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/v5/addons/addon/my-addon/versions/", func(w http.ResponseWriter, r *http.Request) {
		verifyJWT(t, r)
		_ = json.NewDecoder(r.Body).Decode(&a.versionBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "version": "2.0.0"})
	})
	mux.HandleFunc("PATCH /api/v5/addons/addon/my-addon/versions/42/", func(w http.ResponseWriter, r *http.Request) {
		verifyJWT(t, r)
		a.sourceCalled.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42})
	})
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func newTestPipeline(srv *httptest.Server) *Pipeline {
	return New(Config{
		BaseURL:      srv.URL,
		PollInterval: time.Millisecond,
	}, nil, testLogger())
}

func TestDeploySuccess(t *testing.T) {
	amo := newAMOServer(t, true, nil)
	p := newTestPipeline(amo.srv)

	out := p.Deploy(context.Background(), testRequest(testZip(t)))
	if !out.Succeeded() {
		t.Fatalf("Deploy failed: %v", out.Err)
	}
	if out.Version != "2.0.0" || out.Name != "Test Extension" {
		t.Errorf("outcome = %+v", out)
	}
	if polls := amo.uploadPolls.Load(); polls < 2 {
		t.Errorf("upload polls = %d, want at least 2", polls)
	}

	// Release notes must be keyed by the manifest's default locale.
	notes, ok := amo.versionBody["release_notes"].(map[string]any)
	if !ok || notes["en-US"] != "Fixed things" {
		t.Errorf("release_notes = %v", amo.versionBody["release_notes"])
	}
	if amo.versionBody["approval_notes"] != "Rebuilt with webpack" {
		t.Errorf("approval_notes = %v", amo.versionBody["approval_notes"])
	}
	if amo.versionBody["upload"] != "u-1" {
		t.Errorf("upload ref = %v", amo.versionBody["upload"])
	}
}

func TestDeployInvalidPackageItemizesErrors(t *testing.T) {
	amo := newAMOServer(t, false, []map[string]any{
		{"type": "error", "message": "bad permission"},
		{"type": "warning", "message": "just a warning"},
		{"type": "error", "message": "missing icon"},
	})
	p := newTestPipeline(amo.srv)

	out := p.Deploy(context.Background(), testRequest(testZip(t)))
	if out.Stage != deploy.StageValidate {
		t.Fatalf("stage = %s, want validate (err: %v)", out.Stage, out.Err)
	}

	var vErr *deploy.ValidationError
	if !errors.As(out.Err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", out.Err)
	}
	if len(vErr.Items) != 2 {
		t.Errorf("items = %v, want the two error-typed messages only", vErr.Items)
	}
	msg := out.Err.Error()
	if !strings.Contains(msg, "bad permission\nmissing icon") {
		t.Errorf("items not newline-joined: %q", msg)
	}
	if strings.Contains(msg, "just a warning") {
		t.Errorf("warnings must not be treated as errors: %q", msg)
	}
}

func TestDeployAttachesSource(t *testing.T) {
	amo := newAMOServer(t, true, nil)
	p := newTestPipeline(amo.srv)

	req := testRequest(testZip(t))
	src := filepath.Join(t.TempDir(), "source.zip")
	if err := os.WriteFile(src, []byte("PK"), 0o600); err != nil {
		t.Fatal(err)
	}
	req.SourceZip = src

	out := p.Deploy(context.Background(), req)
	if !out.Succeeded() {
		t.Fatalf("Deploy failed: %v", out.Err)
	}
	if !amo.sourceCalled.Load() {
		t.Error("source PATCH was not called")
	}
}

func TestDeployThrottledBeyondTokenLifetime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail": "Request was throttled. Expected available in 1800 seconds."}`))
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, PollInterval: time.Millisecond,
		Retry: request.Config{TokenSafeWait: time.Minute}}
	p := New(cfg, nil, testLogger())

	start := time.Now()
	out := p.Deploy(context.Background(), testRequest(testZip(t)))
	if time.Since(start) > 5*time.Second {
		t.Fatal("terminal rate limit must not sleep out the hinted wait")
	}

	var rlErr *deploy.RateLimitedError
	if !errors.As(out.Err, &rlErr) {
		t.Fatalf("err = %v, want *RateLimitedError", out.Err)
	}
	if !strings.Contains(out.Err.Error(), manualDeployURL) {
		t.Errorf("missing manual-deploy suggestion: %v", out.Err)
	}
}

func TestDeployMissingZipMakesNoNetworkCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newTestPipeline(srv)
	req := testRequest(filepath.Join(t.TempDir(), "missing.zip"))

	out := p.Deploy(context.Background(), req)
	if out.Stage != deploy.StageInput {
		t.Errorf("stage = %s, want input", out.Stage)
	}
	if calls.Load() != 0 {
		t.Errorf("made %d network calls, want 0", calls.Load())
	}
}

func TestSignToken(t *testing.T) {
	tokenStr, err := signToken("iss", "secret", 90*time.Second)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	token, err := jwtlib.ParseWithClaims(tokenStr, &jwtlib.RegisteredClaims{},
		func(*jwtlib.Token) (any, error) { return []byte("secret"), nil })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	claims := token.Claims.(*jwtlib.RegisteredClaims)
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		t.Fatal("iat/exp missing")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != 90*time.Second {
		t.Errorf("ttl = %s", got)
	}
}
