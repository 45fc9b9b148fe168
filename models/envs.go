package models

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts a map into a []string{"KEY=value", ...} slice,
// sorted by key.
func ConstructEnvs(envs map[string]string) EnvVars {
	var out EnvVars
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out.AddEnv(k, envs[k])
	}
	return out
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// Merge appends every entry of envs, sorted by key. Later entries win when
// the list is handed to a process.
func (ev *EnvVars) Merge(envs map[string]string) {
	*ev = append(*ev, ConstructEnvs(envs)...)
}
