package deploy

import (
	"fmt"
	"os"
)

// ChromeAuth carries the OAuth refresh-token triple for the Chrome Web Store
// upload API.
type ChromeAuth struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// FirefoxAuth carries the addons.mozilla.org API key pair used to sign
// short-lived JWTs. SessionCookie selects the legacy cookie-based strategy
// when the key pair is absent.
type FirefoxAuth struct {
	JWTIssuer     string
	JWTSecret     string
	SessionCookie string
}

// EdgeAuth carries the Edge Add-ons publish API credentials. ClientID+APIKey
// is the current scheme; ClientSecret+AccessTokenURL selects the legacy
// client-credentials bearer flow, and Cookie selects the browser-driven
// console flow.
type EdgeAuth struct {
	ClientID       string
	APIKey         string
	ClientSecret   string
	AccessTokenURL string
	Cookie         string
}

// OperaAuth carries the addons.opera.com session cookie pair.
type OperaAuth struct {
	SessionID string
	CSRFToken string
}

// Request describes one deployment attempt against one store. It is built
// once per store per invocation, consumed by exactly one pipeline run, and
// never mutated.
type Request struct {
	Store    Store
	TargetID string

	// Zip is the packaged extension. It must exist on disk before the
	// pipeline makes any network call.
	Zip string

	// SourceZip optionally points at a source-code archive (Firefox
	// reviewers require one for minified packages).
	SourceZip string

	// ReleaseNotes is user-facing changelog text; ReviewerNotes is seen by
	// store reviewers only. Stores that key notes by language use the zip
	// manifest's default_locale.
	ReleaseNotes  string
	ReviewerNotes string

	Verbose bool

	Chrome  *ChromeAuth
	Firefox *FirefoxAuth
	Edge    *EdgeAuth
	Opera   *OperaAuth
}

// Validate checks the request locally. It never performs network I/O; any
// failure here is an *InputError raised before a pipeline touches the store.
func (r Request) Validate() error {
	if r.TargetID == "" {
		return &InputError{Store: r.Store, Message: "no extension/product ID is provided"}
	}
	if r.Zip == "" {
		return &InputError{Store: r.Store, Message: "no zip is provided"}
	}
	if err := fileMustExist(r.Store, "zip", r.Zip); err != nil {
		return err
	}
	if r.SourceZip != "" {
		if err := fileMustExist(r.Store, "source zip", r.SourceZip); err != nil {
			return err
		}
	}

	switch r.Store {
	case StoreChrome:
		if r.Chrome == nil || r.Chrome.ClientID == "" || r.Chrome.ClientSecret == "" || r.Chrome.RefreshToken == "" {
			return &InputError{Store: r.Store, Message: "missing client ID, client secret or refresh token"}
		}
	case StoreFirefox:
		if r.Firefox == nil {
			return &InputError{Store: r.Store, Message: "missing credentials"}
		}
		if (r.Firefox.JWTIssuer == "" || r.Firefox.JWTSecret == "") && r.Firefox.SessionCookie == "" {
			return &InputError{Store: r.Store, Message: "missing JWT issuer/secret (get them from https://addons.mozilla.org/developers/addon/api/key/)"}
		}
	case StoreEdge:
		if r.Edge == nil {
			return &InputError{Store: r.Store, Message: "missing credentials"}
		}
		apiKey := r.Edge.ClientID != "" && r.Edge.APIKey != ""
		bearer := r.Edge.ClientID != "" && r.Edge.ClientSecret != "" && r.Edge.AccessTokenURL != ""
		if !apiKey && !bearer && r.Edge.Cookie == "" {
			return &InputError{Store: r.Store, Message: "missing client ID and API key"}
		}
	case StoreOpera:
		if r.Opera == nil || r.Opera.SessionID == "" || r.Opera.CSRFToken == "" {
			return &InputError{Store: r.Store, Message: "missing sessionid/csrftoken cookie pair"}
		}
	default:
		return &InputError{Store: r.Store, Message: fmt.Sprintf("unsupported store %q", r.Store)}
	}
	return nil
}

func fileMustExist(store Store, label, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &InputError{Store: store, Message: fmt.Sprintf("%s doesn't exist: %s", label, path)}
	}
	if info.IsDir() {
		return &InputError{Store: store, Message: fmt.Sprintf("%s is a directory: %s", label, path)}
	}
	return nil
}
