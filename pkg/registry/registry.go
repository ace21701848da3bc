// Package registry builds the flat, namespaced tool surface the gateway
// exposes from the tool lists of its connected backends.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var ErrToolNotFound = errors.New("registry: tool not found")

const (
	MetaKeyBackend    = "mcpgate.backend"
	MetaKeyNativeName = "mcpgate.native_name"
)

// Source supplies backend tool lists. *mcpmgr.Manager satisfies it.
type Source interface {
	ActiveServers() []string
	Tools(backend string) []*mcp.Tool
}

// Entry is one namespaced tool.
type Entry struct {
	Name       string
	Backend    string
	NativeName string
	// Tool is a copy of the backend's descriptor renamed to Name, with the
	// origin recorded under _meta.
	Tool *mcp.Tool
}

type Option func(*buildOptions)

type buildOptions struct {
	ns     Namespace
	logger *slog.Logger
}

func WithNamespace(ns Namespace) Option {
	return func(o *buildOptions) {
		if ns != nil {
			o.ns = ns
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Registry is an immutable snapshot; reads need no locking.
type Registry struct {
	ns        Namespace
	entries   map[string]Entry
	names     []string
	byBackend map[string][]Entry
}

// Build snapshots the tools of every active backend in src. When two tools
// map to the same name the first one wins and the duplicate is logged.
func Build(src Source, opts ...Option) *Registry {
	o := buildOptions{ns: PrefixNamespace{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Registry{
		ns:        o.ns,
		entries:   make(map[string]Entry),
		byBackend: make(map[string][]Entry),
	}
	if src == nil {
		return r
	}
	for _, backend := range src.ActiveServers() {
		for _, tool := range src.Tools(backend) {
			if tool == nil || tool.Name == "" {
				continue
			}
			name := r.ns.Name(backend, tool.Name)
			if existing, dup := r.entries[name]; dup {
				o.logger.Warn("registry: duplicate tool name, keeping first",
					"name", name, "kept_backend", existing.Backend, "dropped_backend", backend)
				continue
			}
			e := Entry{
				Name:       name,
				Backend:    backend,
				NativeName: tool.Name,
				Tool:       cloneTool(tool, name, backend),
			}
			r.entries[name] = e
			r.names = append(r.names, name)
			r.byBackend[backend] = append(r.byBackend[backend], e)
		}
	}
	sort.Strings(r.names)
	for backend := range r.byBackend {
		list := r.byBackend[backend]
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return r
}

// Resolve maps a namespaced name to its backend and native tool. The error
// for a miss says which half of the name failed to match.
func (r *Registry) Resolve(name string) (Entry, error) {
	if e, ok := r.entries[name]; ok {
		return e, nil
	}
	backend, _, ok := r.ns.Split(name)
	switch {
	case !ok:
		return Entry{}, fmt.Errorf("%w: %q is not a namespaced tool name", ErrToolNotFound, name)
	case len(r.byBackend[backend]) == 0:
		return Entry{}, fmt.Errorf("%w: %q (no backend %q)", ErrToolNotFound, name, backend)
	default:
		return Entry{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
}

// List returns every entry ordered by name.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.entries[name])
	}
	return out
}

// ByBackend groups entries by backend.
func (r *Registry) ByBackend() map[string][]Entry {
	out := make(map[string][]Entry, len(r.byBackend))
	for backend, list := range r.byBackend {
		out[backend] = append([]Entry(nil), list...)
	}
	return out
}

func (r *Registry) Len() int { return len(r.entries) }

func cloneTool(tool *mcp.Tool, name, backend string) *mcp.Tool {
	clone := *tool
	clone.Name = name
	if clone.InputSchema == nil {
		clone.InputSchema = map[string]any{"type": "object"}
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		MetaKeyBackend:    backend,
		MetaKeyNativeName: tool.Name,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	maps.Copy(out, extras)
	return out
}
