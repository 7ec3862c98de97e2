// Package manifest reads extension metadata out of a packaged zip without
// extracting it to disk.
package manifest

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

// Manifest holds the subset of manifest.json fields the deploy pipelines need
// for logging, version checks and locale-tagged changelogs.
type Manifest struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	DefaultLocale string `json:"default_locale"`
}

// Locale returns the manifest's default locale, falling back to "en" when the
// extension does not declare one. Stores that key changelogs by language
// (Firefox, Opera) use this as the translation key.
func (m Manifest) Locale() string {
	if m.DefaultLocale == "" {
		return "en"
	}
	return m.DefaultLocale
}

// Describe renders the artifact as `"name" version X` for log lines and error
// messages.
func (m Manifest) Describe() string {
	return fmt.Sprintf("%q version %s", m.Name, m.Version)
}

var msgPlaceholder = regexp.MustCompile(`^__MSG_(.+)__$`)

// Read extracts the manifest from the zip at zipPath. Localized names of the
// form __MSG_key__ are resolved against _locales/<default_locale>/messages.json
// when that file is present in the archive.
func Read(zipPath string) (Manifest, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("open zip %s: %w", zipPath, err)
	}
	defer r.Close()

	var m Manifest
	raw, err := readEntry(&r.Reader, "manifest.json")
	if err != nil {
		return Manifest{}, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest.json in %s: %w", zipPath, err)
	}
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("manifest.json in %s has no version", zipPath)
	}

	if key := msgPlaceholder.FindStringSubmatch(m.Name); key != nil {
		if resolved, ok := resolveMessage(&r.Reader, m.Locale(), key[1]); ok {
			m.Name = resolved
		}
	}
	return m, nil
}

func readEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("zip has no %s", name)
}

// resolveMessage looks the key up in the locale's messages.json. Chrome-style
// locale directories replace dashes with underscores (en-US -> en_US); both
// spellings are tried, then plain "en".
func resolveMessage(r *zip.Reader, locale, key string) (string, bool) {
	candidates := []string{
		locale,
		strings.ReplaceAll(locale, "-", "_"),
		"en",
	}
	for _, loc := range candidates {
		raw, err := readEntry(r, path.Join("_locales", loc, "messages.json"))
		if err != nil {
			continue
		}
		var messages map[string]struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &messages); err != nil {
			continue
		}
		if msg, ok := messages[key]; ok && msg.Message != "" {
			return msg.Message, true
		}
	}
	return "", false
}
