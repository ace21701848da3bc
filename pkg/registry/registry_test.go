package registry

import (
	"errors"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource map[string][]*mcp.Tool

func (s staticSource) ActiveServers() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s staticSource) Tools(backend string) []*mcp.Tool { return s[backend] }

func TestBuildAndResolve(t *testing.T) {
	src := staticSource{
		"alpha": {{Name: "search", Meta: map[string]any{"origin": "x"}}, {Name: "fetch"}},
		"beta":  {{Name: "search"}},
	}
	r := Build(src)

	require.Equal(t, 3, r.Len())
	names := []string{}
	for _, e := range r.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alpha.fetch", "alpha.search", "beta.search"}, names)

	e, err := r.Resolve("alpha.search")
	require.NoError(t, err)
	assert.Equal(t, "alpha", e.Backend)
	assert.Equal(t, "search", e.NativeName)
	assert.Equal(t, "alpha.search", e.Tool.Name)
	assert.Equal(t, "alpha", e.Tool.Meta[MetaKeyBackend])
	assert.Equal(t, "search", e.Tool.Meta[MetaKeyNativeName])
	assert.Equal(t, "x", e.Tool.Meta["origin"])
	assert.NotNil(t, e.Tool.InputSchema)

	// The source descriptor is untouched.
	assert.Equal(t, "search", src["alpha"][0].Name)
	assert.NotContains(t, src["alpha"][0].Meta, MetaKeyBackend)

	_, err = r.Resolve("gamma.search")
	assert.True(t, errors.Is(err, ErrToolNotFound))
	_, err = r.Resolve("search")
	assert.ErrorIs(t, err, ErrToolNotFound)

	grouped := r.ByBackend()
	assert.Len(t, grouped["alpha"], 2)
	assert.Len(t, grouped["beta"], 1)
}

func TestBuildKeepsFirstDuplicate(t *testing.T) {
	src := staticSource{
		"alpha": {{Name: "search", Description: "first"}, {Name: "search", Description: "second"}},
	}
	r := Build(src)
	require.Equal(t, 1, r.Len())
	e, err := r.Resolve("alpha.search")
	require.NoError(t, err)
	assert.Equal(t, "first", e.Tool.Description)
}

func TestBuildEmpty(t *testing.T) {
	r := Build(nil)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List())
}

func TestResolveMissExplainsName(t *testing.T) {
	r := Build(staticSource{"alpha": {{Name: "search"}}})

	tests := []struct {
		name string
		want string
	}{
		{"search", "not a namespaced tool name"},
		{"gamma.search", `no backend "gamma"`},
		{"alpha.fetch", `"alpha.fetch"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.name)
			require.ErrorIs(t, err, ErrToolNotFound)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPrefixNamespace(t *testing.T) {
	ns := PrefixNamespace{}
	assert.Equal(t, "alpha.search", ns.Name("alpha", "search"))

	backend, tool, ok := ns.Split("alpha.files.read")
	require.True(t, ok)
	assert.Equal(t, "alpha", backend)
	assert.Equal(t, "files.read", tool)

	_, _, ok = ns.Split("nodot")
	assert.False(t, ok)
	_, _, ok = ns.Split(".search")
	assert.False(t, ok)

	custom := PrefixNamespace{Separator: "__"}
	r := Build(staticSource{"alpha": {{Name: "search"}}}, WithNamespace(custom))
	_, err := r.Resolve("alpha__search")
	assert.NoError(t, err)
	_, err = r.Resolve("alpha.search")
	assert.ErrorContains(t, err, "not a namespaced tool name")
}
