package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/report"
)

const ciYaml = `
name: ci
on:
  push:
    branches: [main]
  paths_ignore: ["*.md"]
jobs:
  - name: lint
    steps:
      - command: "true"
  - name: test
    matrix:
      os: [linux, macos]
    steps:
      - name: check os
        command: test -n "$MATRIX_OS"
`

const failingYaml = `
name: broken
jobs:
  - name: test
    matrix:
      os: [linux, macos]
    fail_fast: false
    steps:
      - name: only linux
        command: test "$MATRIX_OS" = linux
`

func writePipeline(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ci.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	t.Setenv("BOBBIN_PIPELINES_RUNNER", "shell")

	var stdout, stderr bytes.Buffer
	cmd := rootCommand()
	cmd.Writer = &stdout
	cmd.ErrWriter = &stderr

	err := cmd.Run(context.Background(), append([]string{"bobbin"}, args...))
	return stdout.String(), exitCode(err)
}

func TestRun_Success(t *testing.T) {
	path := writePipeline(t, ciYaml)

	out, code := run(t, "run", "-q", "-f", path, "--event", "push", "--branch", "main", "--changed", "main.go")
	assert.Equal(t, exitSuccess, code, out)
	assert.Contains(t, out, "run ")
	assert.Contains(t, out, "of ci (push, on main, 1 changed path)")
	assert.Contains(t, out, "SUCCESS: 3 succeeded, 0 failed, 0 cancelled")
}

func TestRun_Failure(t *testing.T) {
	path := writePipeline(t, failingYaml)

	out, code := run(t, "run", "-q", "-f", path)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, "FAILURE: 1 succeeded, 1 failed, 0 cancelled")
	assert.Contains(t, out, "reproduce with --only 'job=test, os=macos'")
}

func TestRun_OnlyReproducesCell(t *testing.T) {
	path := writePipeline(t, failingYaml)

	_, code := run(t, "run", "-q", "-f", path, "--only", "job=test, os=linux")
	assert.Equal(t, exitSuccess, code)
}

func TestRun_JSON(t *testing.T) {
	path := writePipeline(t, ciYaml)

	out, code := run(t, "run", "-q", "--json", "-f", path, "--only", "job=test")
	require.Equal(t, exitSuccess, code, out)

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, models.VerdictSuccess, rep.Verdict)
	assert.Len(t, rep.Instances, 2)
}

func TestRun_Rejected(t *testing.T) {
	path := writePipeline(t, ciYaml)

	_, code := run(t, "run", "-q", "-f", path, "--event", "push", "--branch", "dev")
	assert.Equal(t, exitRejected, code)

	_, code = run(t, "run", "-q", "-f", path, "--event", "push", "--branch", "main", "--changed", "README.md,CHANGES.md")
	assert.Equal(t, exitRejected, code)
}

func TestRun_RejectedFromDiff(t *testing.T) {
	path := writePipeline(t, ciYaml)

	patch := filepath.Join(t.TempDir(), "change.patch")
	require.NoError(t, os.WriteFile(patch, []byte(`diff --git a/README.md b/README.md
index 1111111..2222222 100644
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-old
+new
`), 0o644))

	_, code := run(t, "run", "-q", "-f", path, "--event", "push", "--branch", "main", "--diff", patch)
	assert.Equal(t, exitRejected, code)
}

func TestRun_ConfigurationErrors(t *testing.T) {
	path := writePipeline(t, ciYaml)
	broken := writePipeline(t, "name: broken\njobs: []\n")

	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"run", "-f", filepath.Join(t.TempDir(), "nope.yml")}},
		{"invalid pipeline", []string{"run", "-f", broken}},
		{"unknown event", []string{"run", "-f", path, "--event", "tag"}},
		{"bad selector", []string{"run", "-f", path, "--only", "os="}},
		{"unknown axis", []string{"run", "-f", path, "--only", "arch=arm64"}},
		{"unknown runner", []string{"run", "-f", path, "--runner", "podman"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, code := run(t, tt.args...)
			assert.Equal(t, exitConfig, code)
		})
	}
}

func TestValidate(t *testing.T) {
	out, code := run(t, "validate", "-f", writePipeline(t, ciYaml))
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, "ci: ok, 2 jobs and 3 instances\n", out)

	_, code = run(t, "validate", "-f", writePipeline(t, "jobs: [{name: x}]\n"))
	assert.Equal(t, exitConfig, code)
}

func TestExpand(t *testing.T) {
	path := writePipeline(t, ciYaml)

	out, code := run(t, "expand", "--json", "-f", path, "--only", "os=macos")
	require.Equal(t, exitSuccess, code)

	var instances []expandedInstance
	require.NoError(t, json.Unmarshal([]byte(out), &instances))
	require.Len(t, instances, 2)
	assert.Equal(t, "lint", instances[0].Name)
	assert.Equal(t, "test (macos)", instances[1].Name)
	assert.Equal(t, "job=test, os=macos", instances[1].Selector)
	assert.Equal(t, map[string]string{"MATRIX_OS": "macos"}, instances[1].Env)

	out, code = run(t, "expand", "-f", path)
	require.Equal(t, exitSuccess, code)
	assert.Contains(t, out, "test (linux)\n    --only 'job=test, os=linux'\n")
}

func TestVersion(t *testing.T) {
	out, code := run(t, "version")
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out, "bobbin ")
}
