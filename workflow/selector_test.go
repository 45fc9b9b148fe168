package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in   string
		jobs []string
		axes map[string][]string
	}{
		{
			in:   "",
			axes: map[string][]string{},
		},
		{
			in:   "job=test",
			jobs: []string{"test"},
			axes: map[string][]string{},
		},
		{
			in:   "job=test, os=linux, toolchain=[stable; beta]",
			jobs: []string{"test"},
			axes: map[string][]string{"os": {"linux"}, "toolchain": {"stable", "beta"}},
		},
		{
			in:   `matrix.arch="arm64", matrix.arch=amd64`,
			axes: map[string][]string{"arch": {"arm64", "amd64"}},
		},
		{
			in:   "jobs=[lint;test], os=[linux; [macos; windows]]",
			jobs: []string{"lint", "test"},
			axes: map[string][]string{"os": {"linux", "macos", "windows"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseSelector(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.jobs, s.Jobs)
			assert.Equal(t, tt.axes, s.Axes)
		})
	}
}

func TestParseSelector_Errors(t *testing.T) {
	for _, in := range []string{
		"os",
		"os=",
		"=linux",
		"os=[linux",
		`os="linux`,
		"env.os=linux",
		"os=linux; tc=stable",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSelector(in)
			assert.ErrorIs(t, err, ErrInvalidSelector)
		})
	}
}

func TestSelector_Match(t *testing.T) {
	s, err := ParseSelector("os=linux, toolchain=[stable; beta]")
	require.NoError(t, err)

	assert.True(t, s.Match("test", Binding{{"os", "linux"}, {"toolchain", "beta"}}))
	assert.False(t, s.Match("test", Binding{{"os", "macos"}, {"toolchain", "beta"}}))
	assert.False(t, s.Match("test", Binding{{"os", "linux"}, {"toolchain", "nightly"}}))
	// jobs without the axis are not filtered by it
	assert.True(t, s.Match("lint", Binding{}))

	only, err := ParseSelector("job=lint")
	require.NoError(t, err)
	assert.True(t, only.Match("lint", Binding{}))
	assert.False(t, only.Match("test", Binding{{"os", "linux"}}))

	var empty *Selector
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.Match("anything", nil))
}

func TestSelector_Validate(t *testing.T) {
	var c Compiler
	p, err := c.Compile(Definition{Jobs: []Job{
		{Name: "lint", Steps: []Step{{Command: "true"}}},
		{Name: "test", Matrix: Matrix{{Name: "os", Values: []string{"linux"}}}, Steps: []Step{{Command: "true"}}},
	}})
	require.NoError(t, err)

	ok, _ := ParseSelector("job=test, os=linux")
	assert.NoError(t, ok.Validate(p))

	bad, _ := ParseSelector("job=deploy, arch=arm64")
	err = bad.Validate(p)
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, err, ErrUnknownAxis)
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t, "job=lint", FormatSelector("lint", nil))
	assert.Equal(t, "job=test, os=linux", FormatSelector("test", Binding{{Axis: "os", Value: "linux"}}))
	assert.Equal(t, `job=test, flags="-tags=netgo"`, FormatSelector("test", Binding{{Axis: "flags", Value: "-tags=netgo"}}))
}

func TestFormatSelector_RoundTrip(t *testing.T) {
	tests := []struct {
		job     string
		binding Binding
	}{
		{"test", Binding{{Axis: "os", Value: "linux"}, {Axis: "toolchain", Value: "stable"}}},
		{"test", Binding{{Axis: "flags", Value: "-tags=netgo"}}},
		{"test", Binding{{Axis: "img", Value: "a,b"}}},
		{"test", Binding{{Axis: "list", Value: "[x; y]"}}},
		{"test", Binding{{Axis: "quote", Value: `say "hi" \o/`}}},
		{"test", Binding{{Axis: "pad", Value: "  spaced "}}},
		{"test", Binding{{Axis: "empty", Value: ""}}},
		{"build, release", Binding{{Axis: "job", Value: "x"}}},
		{"test", Binding{{Axis: "go.version", Value: "1.22"}}},
		{"test", Binding{{Axis: "target os", Value: "linux"}}},
	}

	for _, tt := range tests {
		line := FormatSelector(tt.job, tt.binding)

		sel, err := ParseSelector(line)
		require.NoError(t, err, line)
		assert.Equal(t, []string{tt.job}, sel.Jobs, line)
		assert.True(t, sel.Match(tt.job, tt.binding), line)
		for _, av := range tt.binding {
			assert.Equal(t, []string{av.Value}, sel.Axes[av.Axis], line)
		}
	}
}
