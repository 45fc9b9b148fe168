package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePatch = `diff --git a/README.md b/README.md
index 3b18e51..a2c1f0b 100644
--- a/README.md
+++ b/README.md
@@ -1 +1,2 @@
 hello
+world
diff --git a/src/old.go b/src/new.go
similarity index 100%
rename from src/old.go
rename to src/new.go
diff --git a/docs/gone.md b/docs/gone.md
deleted file mode 100644
index 3b18e51..0000000
--- a/docs/gone.md
+++ /dev/null
@@ -1 +0,0 @@
-hello
diff --git a/cmd/main.go b/cmd/main.go
new file mode 100644
index 0000000..3b18e51
--- /dev/null
+++ b/cmd/main.go
@@ -0,0 +1 @@
+hello
`

func TestChangedPathsFromDiff(t *testing.T) {
	paths, err := ChangedPathsFromDiff(strings.NewReader(samplePatch))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"README.md",
		"cmd/main.go",
		"docs/gone.md",
		"src/new.go",
		"src/old.go",
	}, paths)
}

func TestChangedPathsFromDiff_Empty(t *testing.T) {
	paths, err := ChangedPathsFromDiff(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestChangedPathsFeedFilter(t *testing.T) {
	paths, err := ChangedPathsFromDiff(strings.NewReader(samplePatch))
	require.NoError(t, err)

	f := NewFilter(Triggers{
		Push:        &BranchFilter{Branches: StringList{"main"}},
		PathsIgnore: StringList{"**/*.md", "**/*.go"},
	})
	assert.False(t, f.Accept(TriggerEvent{Kind: TriggerKindPush, Branch: "main", ChangedPaths: paths}))
}
