// Package persona holds the persona definitions that shape every reply.
// A persona is selected once at startup and stays fixed for the process.
package persona

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var builtinYAML []byte

// Persona is one selectable voice.
type Persona struct {
	Name        string `yaml:"name" json:"name"`
	Title       string `yaml:"title" json:"title"`
	Placeholder string `yaml:"placeholder" json:"placeholder"`
	Instruction string `yaml:"instruction" json:"instruction"`
	Cue         string `yaml:"cue" json:"cue"`
	Template    string `yaml:"template" json:"template"`
	Shape       string `yaml:"shape" json:"shape"`
	// Temperature is nil when the persona leaves sampling to the provider.
	Temperature *float64 `yaml:"temperature" json:"temperature"`
}

// DisplayName is the title, or the name when no title is set.
func (p Persona) DisplayName() string {
	if strings.TrimSpace(p.Title) != "" {
		return p.Title
	}
	return p.Name
}

// ResponseCue is the explicit cue that ends a flattened prompt.
func (p Persona) ResponseCue() string {
	if strings.TrimSpace(p.Cue) != "" {
		return p.Cue
	}
	return p.DisplayName() + "'s response:"
}

type catalogFile struct {
	Personas []Persona `yaml:"personas" json:"personas"`
}

// Catalog is a set of personas keyed by name.
type Catalog struct {
	personas map[string]Persona
}

// Builtin returns the compiled-in catalog.
func Builtin() *Catalog {
	c, err := parseYAML(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("persona: built-in catalog is invalid: %v", err))
	}
	return c
}

// LoadFile reads a YAML (.yaml, .yml) or JSONC (.json, .jsonc) catalog and
// merges it over the built-ins. Entries with a known name replace the
// built-in entry.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona file %s: %w", path, err)
	}

	var loaded *Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		loaded, err = parseYAML(data)
	case ".json", ".jsonc":
		loaded, err = parseJSONC(data)
	default:
		return nil, fmt.Errorf("persona file %s: unsupported extension %q", path, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	merged := Builtin()
	for name, p := range loaded.personas {
		merged.personas[name] = p
	}
	return merged, nil
}

func parseYAML(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing personas: %w", err)
	}
	return newCatalog(file.Personas)
}

func parseJSONC(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("parsing personas: %w", err)
	}
	return newCatalog(file.Personas)
}

func newCatalog(personas []Persona) (*Catalog, error) {
	c := &Catalog{personas: make(map[string]Persona, len(personas))}
	for i, p := range personas {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return nil, fmt.Errorf("persona #%d has no name", i+1)
		}
		if strings.TrimSpace(p.Instruction) == "" {
			return nil, fmt.Errorf("persona %q has no instruction", p.Name)
		}
		if t := p.Temperature; t != nil && (*t < 0 || *t > 2) {
			return nil, fmt.Errorf("persona %q: temperature %.2f out of range [0, 2]", p.Name, *t)
		}
		switch p.Shape {
		case "", "messages", "template":
		default:
			return nil, fmt.Errorf("persona %q: unknown prompt shape %q", p.Name, p.Shape)
		}
		if _, dup := c.personas[p.Name]; dup {
			return nil, fmt.Errorf("persona %q defined twice", p.Name)
		}
		c.personas[p.Name] = p
	}
	return c, nil
}

// Names returns the persona names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.personas))
	for name := range c.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the persona with the given name (case-insensitive).
func (c *Catalog) Select(name string) (Persona, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	p, ok := c.personas[key]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q (known: %s)", name, strings.Join(c.Names(), ", "))
	}
	return p, nil
}
