package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadOrderAndSeparator(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gemini", "GEMINI.md"), "project rules\n")
	writeFile(t, filepath.Join(dir, "GEMINI.md"), "  root notes  ")
	writeFile(t, filepath.Join(dir, "GEMINI-extra.md"), "extra")
	writeFile(t, filepath.Join(dir, "GEMINI-empty.md"), "   \n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	mem, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "project rules\n\n---\n\nextra\n\n---\n\nroot notes", mem.Content)
	assert.Len(t, mem.Files, 3)
	assert.False(t, mem.Empty())
}

func TestLoadEmptyDir(t *testing.T) {
	mem, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, mem.Empty())
	assert.Empty(t, mem.Files)
}

func TestAppendFact(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "empty file",
			content: "",
			want:    "## Gemini Added Memories\n- likes tea\n",
		},
		{
			name:    "no section yet",
			content: "# Project",
			want:    "# Project\n\n## Gemini Added Memories\n- likes tea\n",
		},
		{
			name:    "existing section",
			content: "## Gemini Added Memories\n- uses vim\n",
			want:    "## Gemini Added Memories\n- uses vim\n- likes tea\n",
		},
		{
			name:    "section followed by another",
			content: "## Gemini Added Memories\n- uses vim\n\n## Other\ntext\n",
			want:    "## Gemini Added Memories\n- uses vim\n- likes tea\n\n## Other\ntext\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, appendFact(tt.content, "likes tea"))
		})
	}
}

func TestSaveMemoryTool(t *testing.T) {
	dir := t.TempDir()

	var reloaded Memory
	tool := NewSaveMemoryTool(dir, func(m Memory) { reloaded = m })

	assert.Error(t, tool.Validate(map[string]any{}))
	require.NoError(t, tool.Validate(map[string]any{"fact": "prefers Go"}))

	res, err := tool.Execute(context.Background(), map[string]any{"fact": "- prefers Go"})
	require.NoError(t, err)
	assert.Contains(t, res.Output(), "prefers Go")

	data, err := os.ReadFile(filepath.Join(dir, ".gemini", "GEMINI.md"))
	require.NoError(t, err)
	assert.Equal(t, "## Gemini Added Memories\n- prefers Go\n", string(data))
	assert.Contains(t, reloaded.Content, "- prefers Go")

	assert.Error(t, SaveFact(dir, "  "))
}
