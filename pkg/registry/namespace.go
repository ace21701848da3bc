package registry

import "strings"

// DefaultSeparator joins backend and tool names: "alpha.search".
const DefaultSeparator = "."

// Namespace maps (backend, native tool) pairs to gateway-wide tool names.
// Implementations must be deterministic and injective for backend names that
// do not contain the separator.
type Namespace interface {
	Name(backend, tool string) string
	Split(name string) (backend, tool string, ok bool)
}

// PrefixNamespace prefixes each tool with its backend name.
type PrefixNamespace struct {
	Separator string
}

func (p PrefixNamespace) separator() string {
	if p.Separator == "" {
		return DefaultSeparator
	}
	return p.Separator
}

func (p PrefixNamespace) Name(backend, tool string) string {
	return backend + p.separator() + tool
}

// Split cuts at the first separator, so native tool names may themselves
// contain it.
func (p PrefixNamespace) Split(name string) (string, string, bool) {
	backend, tool, ok := strings.Cut(name, p.separator())
	if !ok || backend == "" || tool == "" {
		return "", "", false
	}
	return backend, tool, true
}
