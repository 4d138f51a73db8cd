package router

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML form of a route table.
//
//	routes:
//	  - target: from
//	    template: "<name>@example.com"
//	    handler: log
type Manifest struct {
	Routes []ManifestRoute `yaml:"routes"`
}

// ManifestRoute is one route entry.
type ManifestRoute struct {
	Target   string `yaml:"target"`
	Template string `yaml:"template"`
	Handler  string `yaml:"handler"`
}

// HandlerRegistry maps handler names used in manifests to implementations.
type HandlerRegistry map[string]Handler

// Names returns registered handler names, sorted.
func (r HandlerRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route manifest: %w", err)
	}
	return ParseManifest(bytes.NewReader(data))
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("failed to parse route manifest: %w", err)
	}
	return &m, nil
}

// Apply registers manifest routes on table in file order.
func (m *Manifest) Apply(table *Table, registry HandlerRegistry) error {
	if m == nil {
		return nil
	}
	for i, r := range m.Routes {
		target, err := ParseTarget(r.Target)
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		h, ok := registry[r.Handler]
		if !ok {
			return fmt.Errorf("route %d: handler %q not registered", i, r.Handler)
		}
		if err := table.RegisterNamed(target, r.Template, r.Handler, h); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	return nil
}
