package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_CrossProduct(t *testing.T) {
	axes := []Axis{
		{Name: "os", Values: []string{"linux", "macos", "windows"}},
		{Name: "toolchain", Values: []string{"stable", "beta"}},
		{Name: "arch", Values: []string{"amd64", "arm64"}},
	}

	bindings := Expand(axes)
	require.Len(t, bindings, 3*2*2)
	assert.Equal(t, Size(axes), len(bindings))

	seen := make(map[string]bool)
	for _, b := range bindings {
		require.Len(t, b, len(axes), "every binding has one value per axis")
		for i, av := range b {
			assert.Equal(t, axes[i].Name, av.Axis, "axis order is preserved")
		}
		seen[b.String()] = true
	}
	assert.Len(t, seen, 12, "bindings are distinct")

	for _, os := range axes[0].Values {
		for _, tc := range axes[1].Values {
			for _, arch := range axes[2].Values {
				want := Binding{{"os", os}, {"toolchain", tc}, {"arch", arch}}
				assert.True(t, seen[want.String()], "missing %s", want)
			}
		}
	}

	// last axis varies fastest
	assert.Equal(t, "os=linux, toolchain=stable, arch=amd64", bindings[0].String())
	assert.Equal(t, "os=linux, toolchain=stable, arch=arm64", bindings[1].String())
	assert.Equal(t, "os=windows, toolchain=beta, arch=arm64", bindings[11].String())
}

func TestExpand_NoAxes(t *testing.T) {
	bindings := Expand(nil)
	require.Len(t, bindings, 1)
	assert.Empty(t, bindings[0])
	assert.Equal(t, "", bindings[0].String())
}

func TestExpand_EmptyAxis(t *testing.T) {
	bindings := Expand([]Axis{{Name: "os", Values: []string{"linux"}}, {Name: "tc"}})
	assert.Empty(t, bindings)
}

func TestExpand_Deterministic(t *testing.T) {
	axes := []Axis{
		{Name: "b", Values: []string{"2", "1"}},
		{Name: "a", Values: []string{"x", "y"}},
	}
	assert.Equal(t, Expand(axes), Expand(axes))
}

func TestBinding_Env(t *testing.T) {
	b := Binding{{"os", "linux"}, {"rust-toolchain", "1.70"}}
	assert.Equal(t, map[string]string{
		"MATRIX_OS":             "linux",
		"MATRIX_RUST_TOOLCHAIN": "1.70",
	}, b.Env())

	v, ok := b.Get("os")
	assert.True(t, ok)
	assert.Equal(t, "linux", v)
	_, ok = b.Get("arch")
	assert.False(t, ok)

	assert.Equal(t, "linux, 1.70", b.Values())
}
