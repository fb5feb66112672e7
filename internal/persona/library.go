// Package persona loads the static prompt texts the companion speaks with: the master
// identity prompt, the emotional matrix reference and the per-avatar persona voices.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	MasterFile   = "master_system.txt"
	MatrixFile   = "emotional_matrix.txt"
	ManifestFile = "personas.yaml"

	DefaultID = "1"

	fallbackMaster = "You are a supportive companion."
)

var fallbackVoices = map[string]string{
	"1": "Warm, empathetic female companion.",
	"2": "Steady, grounded male companion.",
}

var errInvalidFrontmatter = errors.New("invalid persona YAML frontmatter")

// Persona is one selectable companion voice.
type Persona struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Voice       string `yaml:"voice" json:"-"`
	File        string `yaml:"file" json:"-"`
}

type manifest struct {
	Personas []Persona `yaml:"personas"`
}

// Library is read once at startup and never changes afterwards.
type Library struct {
	master   string
	matrix   string
	personas map[string]Persona
}

// Load reads the prompt directory. It never fails: anything missing or unreadable is
// replaced by a fallback text and logged.
func Load(dir string, logger *log.Logger) *Library {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("persona")

	lib := &Library{
		master:   readText(dir, MasterFile, logger),
		matrix:   readText(dir, MatrixFile, logger),
		personas: make(map[string]Persona),
	}
	if lib.master == "" {
		lib.master = fallbackMaster
	}

	if err := lib.loadManifest(dir, logger); err != nil {
		logger.Warn("skip persona manifest", "err", err)
	}
	for id, voice := range fallbackVoices {
		if _, ok := lib.personas[id]; ok {
			continue
		}
		p := Persona{ID: id, Voice: readText(dir, fmt.Sprintf("persona_%s.txt", id), logger)}
		if p.Voice == "" {
			p.Voice = voice
		}
		lib.personas[id] = p
	}
	return lib
}

func (l *Library) loadManifest(dir string, logger *log.Logger) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read manifest %q: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest %q: %w", path, err)
	}

	for _, p := range m.Personas {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			logger.Warn("skip persona without id", "name", p.Name)
			continue
		}
		if _, dup := l.personas[p.ID]; dup {
			return fmt.Errorf("duplicate persona id %q in %s", p.ID, path)
		}
		if p.File != "" {
			if err := p.readVoiceFile(dir); err != nil {
				logger.Warn("read persona voice", "id", p.ID, "err", err)
			}
		}
		p.Voice = strings.TrimSpace(p.Voice)
		if p.Voice == "" {
			p.Voice = fallbackVoices[p.ID]
		}
		if p.Voice == "" {
			logger.Warn("skip persona without voice", "id", p.ID)
			continue
		}
		l.personas[p.ID] = p
	}
	return nil
}

// readVoiceFile loads the voice from a file. A file may open with YAML frontmatter
// carrying name and description; an invalid header is treated as plain text.
func (p *Persona) readVoiceFile(dir string) error {
	content, err := os.ReadFile(filepath.Join(dir, p.File))
	if err != nil {
		return err
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		p.Voice = string(content)
		if errors.Is(err, errInvalidFrontmatter) {
			return err
		}
		return nil
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(meta.Name)
	}
	if p.Description == "" {
		p.Description = strings.TrimSpace(meta.Description)
	}
	p.Voice = body
	return nil
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

var errNoFrontmatter = errors.New("missing YAML frontmatter")

func parseFrontmatter(content []byte) (frontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontmatter{}, "", errNoFrontmatter
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", errNoFrontmatter
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidFrontmatter, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func readText(dir, name string, logger *log.Logger) string {
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("read prompt", "file", name, "err", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (l *Library) MasterPrompt() string    { return l.master }
func (l *Library) EmotionalMatrix() string { return l.matrix }

// Voice returns the persona voice for id, or the default persona's voice.
func (l *Library) Voice(id string) string {
	if p, ok := l.personas[id]; ok {
		return p.Voice
	}
	return l.personas[DefaultID].Voice
}

// Has reports whether id names a known persona.
func (l *Library) Has(id string) bool {
	_, ok := l.personas[id]
	return ok
}

// Personas lists the known personas ordered by id.
func (l *Library) Personas() []Persona {
	out := make([]Persona, 0, len(l.personas))
	for _, p := range l.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
