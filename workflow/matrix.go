package workflow

import (
	"regexp"
	"strings"
)

// AxisValue is one axis bound to one of its values.
type AxisValue struct {
	Axis  string `json:"axis"`
	Value string `json:"value"`
}

// Binding holds exactly one value per axis of a template, in axis order.
type Binding []AxisValue

func (b Binding) Get(axis string) (string, bool) {
	for _, av := range b {
		if av.Axis == axis {
			return av.Value, true
		}
	}
	return "", false
}

// String renders the binding as "os=linux, toolchain=stable".
func (b Binding) String() string {
	parts := make([]string, len(b))
	for i, av := range b {
		parts[i] = av.Axis + "=" + av.Value
	}
	return strings.Join(parts, ", ")
}

// Values renders only the values, "linux, stable", for display names.
func (b Binding) Values() string {
	parts := make([]string, len(b))
	for i, av := range b {
		parts[i] = av.Value
	}
	return strings.Join(parts, ", ")
}

var envUnsafe = regexp.MustCompile(`[^A-Z0-9_]`)

// Env exposes the binding to steps as MATRIX_<AXIS>=value.
func (b Binding) Env() map[string]string {
	env := make(map[string]string, len(b))
	for _, av := range b {
		env[EnvName(av.Axis)] = av.Value
	}
	return env
}

func EnvName(axis string) string {
	return "MATRIX_" + envUnsafe.ReplaceAllString(strings.ToUpper(axis), "_")
}

// Expand returns the cartesian product of the axes, one binding per tuple.
// Axis order is preserved and the last axis varies fastest, so the same
// axes always yield the same ordered bindings. No axes yields a single empty
// binding; an axis with no values yields nothing.
func Expand(axes []Axis) []Binding {
	bindings := []Binding{{}}

	for _, axis := range axes {
		next := make([]Binding, 0, len(bindings)*len(axis.Values))
		for _, prefix := range bindings {
			for _, v := range axis.Values {
				b := make(Binding, len(prefix), len(prefix)+1)
				copy(b, prefix)
				next = append(next, append(b, AxisValue{Axis: axis.Name, Value: v}))
			}
		}
		bindings = next
	}

	return bindings
}

// Size is the number of instances Expand would produce.
func Size(axes []Axis) int {
	n := 1
	for _, a := range axes {
		n *= len(a.Values)
	}
	return n
}
