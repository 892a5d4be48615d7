package naming

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Foo":                      "mcp_foo_",
		"My Server!":               "mcp_my_server_",
		"My Server?":               "mcp_my_server_",
		"github.com/acme":          "mcp_github.com_ac_",
		"   ":                      "mcp_server_",
		"UPPER-case_ok.1":          "mcp_upper-case_ok_",
		"a very long label indeed": "mcp_a_very_long_l_",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "label %q", in)
		assert.LessOrEqual(t, len(Sanitize(in)), MaxPrefixLen, "label %q", in)
	}
}

func TestAllocateDuplicateLabels(t *testing.T) {
	t.Parallel()

	a := NewAllocator()
	first := a.Allocate(Binding{CollectionID: "A", ServerID: "s1", Label: "My Server!"})
	second := a.Allocate(Binding{CollectionID: "A", ServerID: "s2", Label: "My Server?"})
	third := a.Allocate(Binding{CollectionID: "B", ServerID: "s1", Label: "my server"})

	assert.Equal(t, "mcp_my_server_", first)
	assert.Equal(t, "mcp_my_server_2", second)
	assert.Equal(t, "mcp_my_server_3", third)
}

func TestAllocateIsStableForBinding(t *testing.T) {
	t.Parallel()

	a := NewAllocator()
	b := Binding{CollectionID: "A", ServerID: "s1", Label: "Foo"}
	require.Equal(t, "mcp_foo_", a.Allocate(b))
	require.Equal(t, "mcp_foo_", a.Allocate(b))

	relabeled := b
	relabeled.Label = "Bar"
	assert.Equal(t, "mcp_bar_", a.Allocate(relabeled))

	// The old prefix stays reserved once its label moves on.
	other := Binding{CollectionID: "A", ServerID: "s9", Label: "Foo"}
	assert.Equal(t, "mcp_foo_2", a.Allocate(other))
	assert.True(t, a.Seen("mcp_foo_"))
}

func TestAllocatePrefixesPairwiseDistinct(t *testing.T) {
	t.Parallel()

	labels := []string{"x", "X", "x!", "x?", "x ", "y", "x", "Y!", "x_", "x__"}
	a := NewAllocator()
	got := make(map[string]string)
	for i, label := range labels {
		p := a.Allocate(Binding{CollectionID: "c", ServerID: fmt.Sprint(i), Label: label})
		prev, dup := got[p]
		require.False(t, dup, "prefix %q allocated twice (%q and %q)", p, prev, label)
		got[p] = label
		assert.True(t, strings.HasPrefix(p, Prefix))
	}
}

func TestToolName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mcp_foo_get_weather", ToolName("mcp_foo_", "get.weather"))
	long := ToolName("mcp_foo_", strings.Repeat("a", 100))
	assert.Len(t, long, MaxToolNameLen)
}
