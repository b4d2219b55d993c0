package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry holds the stream descriptors known to this run. Descriptors are
// loaded once at startup and never mutated afterwards.
type Registry struct {
	streams map[string]*StreamDescriptor
}

// NewRegistry builds a registry from the built-in descriptor table.
func NewRegistry() *Registry {
	r := &Registry{streams: make(map[string]*StreamDescriptor)}
	builtins := Builtin()
	for i := range builtins {
		r.streams[builtins[i].Name] = &builtins[i]
	}
	return r
}

// LoadOverlay reads *.yaml descriptor files from dir, each defining exactly
// one stream, and adds them to the registry. An overlay descriptor with the
// same name as a built-in replaces it entirely. A missing directory is valid
// (no overlays configured).
func (r *Registry) LoadOverlay(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog overlay dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("catalog overlay path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading catalog overlay dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading descriptor file %s: %w", path, err)
		}

		var desc StreamDescriptor
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("parsing descriptor file %s: %w", path, err)
		}
		if desc.Name == "" {
			continue // skip empty / comment-only files
		}
		if err := desc.Validate(); err != nil {
			return fmt.Errorf("descriptor file %s: %w", path, err)
		}

		if _, exists := r.streams[desc.Name]; exists {
			slog.Info("[Catalog] Overlay replaces built-in descriptor", "stream", desc.Name, "file", e.Name())
		}
		d := desc
		r.streams[desc.Name] = &d
	}

	return nil
}

// Get returns the descriptor for the named stream.
func (r *Registry) Get(name string) (*StreamDescriptor, bool) {
	d, ok := r.streams[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []*StreamDescriptor {
	out := make([]*StreamDescriptor, 0, len(r.streams))
	for _, d := range r.streams {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select resolves the configured stream selection. An empty selection means
// every known stream. Unknown names are an error: a typo in the selection
// silently syncing nothing is worse than failing fast.
func (r *Registry) Select(names []string) ([]*StreamDescriptor, error) {
	if len(names) == 0 {
		return r.List(), nil
	}
	out := make([]*StreamDescriptor, 0, len(names))
	for _, name := range names {
		d, ok := r.streams[name]
		if !ok {
			return nil, fmt.Errorf("unknown stream %q in selection", name)
		}
		out = append(out, d)
	}
	return out, nil
}
