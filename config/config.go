// Package config loads the YAML deploy file and turns it into per-store
// deploy requests. Every credential value supports ${VAR} environment
// expansion, so the file itself can be committed while the secrets live in
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/extdeploy/deploy"
)

// File is the on-disk deploy configuration. Top-level zip and releaseNotes
// are defaults; each store block may override them.
type File struct {
	Zip          string `yaml:"zip"`
	ReleaseNotes string `yaml:"releaseNotes"`
	Verbose      bool   `yaml:"verbose"`

	Chrome  *ChromeConfig  `yaml:"chrome,omitempty"`
	Firefox *FirefoxConfig `yaml:"firefox,omitempty"`
	Edge    *EdgeConfig    `yaml:"edge,omitempty"`
	Opera   *OperaConfig   `yaml:"opera,omitempty"`
}

// ChromeConfig configures the Chrome Web Store deployment.
type ChromeConfig struct {
	ExtID        string `yaml:"extId"`
	Zip          string `yaml:"zip,omitempty"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	RefreshToken string `yaml:"refreshToken"`
}

// FirefoxConfig configures the Firefox Add-ons deployment.
type FirefoxConfig struct {
	ExtID         string `yaml:"extId"`
	Zip           string `yaml:"zip,omitempty"`
	SourceZip     string `yaml:"sourceZip,omitempty"`
	JWTIssuer     string `yaml:"jwtIssuer,omitempty"`
	JWTSecret     string `yaml:"jwtSecret,omitempty"`
	SessionCookie string `yaml:"sessionCookie,omitempty"`
	ReleaseNotes  string `yaml:"releaseNotes,omitempty"`
	ReviewerNotes string `yaml:"reviewerNotes,omitempty"`
}

// EdgeConfig configures the Edge Add-ons deployment.
type EdgeConfig struct {
	ProductID      string `yaml:"productId"`
	Zip            string `yaml:"zip,omitempty"`
	ClientID       string `yaml:"clientId,omitempty"`
	APIKey         string `yaml:"apiKey,omitempty"`
	ClientSecret   string `yaml:"clientSecret,omitempty"`
	AccessTokenURL string `yaml:"accessTokenUrl,omitempty"`
	Cookie         string `yaml:"cookie,omitempty"`
	ReviewerNotes  string `yaml:"reviewerNotes,omitempty"`
}

// OperaConfig configures the Opera Add-ons deployment.
type OperaConfig struct {
	PackageID    string `yaml:"packageId"`
	Zip          string `yaml:"zip,omitempty"`
	SessionID    string `yaml:"sessionId"`
	CSRFToken    string `yaml:"csrfToken"`
	ReleaseNotes string `yaml:"releaseNotes,omitempty"`
}

// Load reads and parses a deploy file, expanding ${VAR} references against
// the process environment before parsing.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &f, nil
}

// Requests builds one validated deploy request per configured store. All
// validation failures are reported together.
func (f *File) Requests() ([]deploy.Request, error) {
	var reqs []deploy.Request

	if c := f.Chrome; c != nil {
		reqs = append(reqs, deploy.Request{
			Store:    deploy.StoreChrome,
			TargetID: c.ExtID,
			Zip:      fallback(c.Zip, f.Zip),
			Verbose:  f.Verbose,
			Chrome: &deploy.ChromeAuth{
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				RefreshToken: c.RefreshToken,
			},
		})
	}
	if c := f.Firefox; c != nil {
		reqs = append(reqs, deploy.Request{
			Store:         deploy.StoreFirefox,
			TargetID:      c.ExtID,
			Zip:           fallback(c.Zip, f.Zip),
			SourceZip:     c.SourceZip,
			ReleaseNotes:  fallback(c.ReleaseNotes, f.ReleaseNotes),
			ReviewerNotes: c.ReviewerNotes,
			Verbose:       f.Verbose,
			Firefox: &deploy.FirefoxAuth{
				JWTIssuer:     c.JWTIssuer,
				JWTSecret:     c.JWTSecret,
				SessionCookie: c.SessionCookie,
			},
		})
	}
	if c := f.Edge; c != nil {
		reqs = append(reqs, deploy.Request{
			Store:         deploy.StoreEdge,
			TargetID:      c.ProductID,
			Zip:           fallback(c.Zip, f.Zip),
			ReviewerNotes: c.ReviewerNotes,
			Verbose:       f.Verbose,
			Edge: &deploy.EdgeAuth{
				ClientID:       c.ClientID,
				APIKey:         c.APIKey,
				ClientSecret:   c.ClientSecret,
				AccessTokenURL: c.AccessTokenURL,
				Cookie:         c.Cookie,
			},
		})
	}
	if c := f.Opera; c != nil {
		reqs = append(reqs, deploy.Request{
			Store:        deploy.StoreOpera,
			TargetID:     c.PackageID,
			Zip:          fallback(c.Zip, f.Zip),
			ReleaseNotes: fallback(c.ReleaseNotes, f.ReleaseNotes),
			Verbose:      f.Verbose,
			Opera: &deploy.OperaAuth{
				SessionID: c.SessionID,
				CSRFToken: c.CSRFToken,
			},
		})
	}

	if len(reqs) == 0 {
		return nil, errors.New("no stores are configured")
	}

	var errs []error
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reqs, nil
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}
