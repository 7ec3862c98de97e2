package manifest

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

// writeZip creates a zip at dir/name containing the given entries.
func writeZip(t *testing.T, dir, name string, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for entry, content := range entries {
		ew, err := w.Create(entry)
		if err != nil {
			t.Fatalf("create entry %s: %v", entry, err)
		}
		if _, err := ew.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", entry, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return p
}

func TestRead(t *testing.T) {
	zipPath := writeZip(t, t.TempDir(), "ext.zip", map[string]string{
		"manifest.json": `{"name": "My Extension", "version": "1.4.2", "default_locale": "en"}`,
	})

	m, err := Read(zipPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Name != "My Extension" {
		t.Errorf("name = %q", m.Name)
	}
	if m.Version != "1.4.2" {
		t.Errorf("version = %q", m.Version)
	}
	if m.Locale() != "en" {
		t.Errorf("locale = %q", m.Locale())
	}
}

func TestReadLocalizedName(t *testing.T) {
	zipPath := writeZip(t, t.TempDir(), "ext.zip", map[string]string{
		"manifest.json":              `{"name": "__MSG_appName__", "version": "2.0.0", "default_locale": "de"}`,
		"_locales/de/messages.json":  `{"appName": {"message": "Meine Erweiterung"}}`,
		"_locales/en/messages.json":  `{"appName": {"message": "My Extension"}}`,
	})

	m, err := Read(zipPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Name != "Meine Erweiterung" {
		t.Errorf("name = %q, want localized German name", m.Name)
	}
}

func TestReadLocalizedNameDashedLocale(t *testing.T) {
	zipPath := writeZip(t, t.TempDir(), "ext.zip", map[string]string{
		"manifest.json":                `{"name": "__MSG_appName__", "version": "2.0.0", "default_locale": "en-US"}`,
		"_locales/en_US/messages.json": `{"appName": {"message": "My Extension"}}`,
	})

	m, err := Read(zipPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Name != "My Extension" {
		t.Errorf("name = %q", m.Name)
	}
}

func TestReadDefaultLocaleFallback(t *testing.T) {
	zipPath := writeZip(t, t.TempDir(), "ext.zip", map[string]string{
		"manifest.json": `{"name": "Ext", "version": "1.0"}`,
	})

	m, err := Read(zipPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Locale() != "en" {
		t.Errorf("locale = %q, want en fallback", m.Locale())
	}
}

func TestReadMissingManifest(t *testing.T) {
	zipPath := writeZip(t, t.TempDir(), "ext.zip", map[string]string{
		"background.js": "// nothing",
	})

	if _, err := Read(zipPath); err == nil {
		t.Error("expected error for zip without manifest.json")
	}
}

func TestReadMissingVersion(t *testing.T) {
	zipPath := writeZip(t, t.TempDir(), "ext.zip", map[string]string{
		"manifest.json": `{"name": "Ext"}`,
	})

	if _, err := Read(zipPath); err == nil {
		t.Error("expected error for manifest without version")
	}
}

func TestReadNoSuchFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.zip")); err == nil {
		t.Error("expected error for missing zip")
	}
}
