package persona

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoad_MissingDirUsesFallbacks(t *testing.T) {
	t.Parallel()

	lib := Load(filepath.Join(t.TempDir(), "missing"), quietLogger())

	if lib.MasterPrompt() != "You are a supportive companion." {
		t.Fatalf("master = %q", lib.MasterPrompt())
	}
	if lib.EmotionalMatrix() != "" {
		t.Fatalf("matrix = %q, want empty", lib.EmotionalMatrix())
	}
	if lib.Voice("1") != "Warm, empathetic female companion." {
		t.Fatalf("voice 1 = %q", lib.Voice("1"))
	}
	if lib.Voice("2") != "Steady, grounded male companion." {
		t.Fatalf("voice 2 = %q", lib.Voice("2"))
	}
	if lib.Voice("9") != lib.Voice("1") {
		t.Fatalf("unknown persona should fall back to default")
	}
	if lib.Has("9") {
		t.Fatalf("persona 9 should not exist")
	}
}

func TestLoad_PlainTextFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, MasterFile, "  MASTER  \n")
	writeFile(t, dir, MatrixFile, "MATRIX")
	writeFile(t, dir, "persona_2.txt", "Gruff but kind.")

	lib := Load(dir, quietLogger())
	if lib.MasterPrompt() != "MASTER" {
		t.Fatalf("master = %q", lib.MasterPrompt())
	}
	if lib.EmotionalMatrix() != "MATRIX" {
		t.Fatalf("matrix = %q", lib.EmotionalMatrix())
	}
	if lib.Voice("2") != "Gruff but kind." {
		t.Fatalf("voice 2 = %q", lib.Voice("2"))
	}
	if lib.Voice("1") != "Warm, empathetic female companion." {
		t.Fatalf("voice 1 = %q", lib.Voice("1"))
	}
}

func TestLoad_ManifestWithFrontmatter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, `personas:
  - id: "1"
    file: ivy.md
  - id: "3"
    name: Juno
    voice: Bright and teasing.
  - name: nobody
    voice: no id here
`)
	writeFile(t, dir, "ivy.md", "---\nname: Ivy\ndescription: warm\n---\nSoft spoken.\n")

	lib := Load(dir, quietLogger())

	personas := lib.Personas()
	if len(personas) != 3 {
		t.Fatalf("persona count = %d, want 3", len(personas))
	}
	if personas[0].ID != "1" || personas[0].Name != "Ivy" || personas[0].Description != "warm" {
		t.Fatalf("persona 1 = %+v", personas[0])
	}
	if lib.Voice("1") != "Soft spoken." {
		t.Fatalf("voice 1 = %q", lib.Voice("1"))
	}
	if personas[1].ID != "2" || lib.Voice("2") != "Steady, grounded male companion." {
		t.Fatalf("persona 2 should come from fallbacks: %+v", personas[1])
	}
	if lib.Voice("3") != "Bright and teasing." || !lib.Has("3") {
		t.Fatalf("voice 3 = %q", lib.Voice("3"))
	}
}

func TestLoad_BrokenManifestFallsBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, "personas: [unclosed")

	lib := Load(dir, quietLogger())
	if len(lib.Personas()) != 2 {
		t.Fatalf("persona count = %d, want 2", len(lib.Personas()))
	}
}

func TestLoad_TemplatesRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, content := range Templates() {
		writeFile(t, dir, name, content)
	}

	lib := Load(dir, quietLogger())
	personas := lib.Personas()
	if len(personas) != 2 {
		t.Fatalf("persona count = %d, want 2", len(personas))
	}
	if personas[0].Name != "Ivy" || personas[1].Name != "Rowan" {
		t.Fatalf("names = %q, %q", personas[0].Name, personas[1].Name)
	}
	if lib.EmotionalMatrix() == "" {
		t.Fatalf("matrix should be loaded from template")
	}
}
