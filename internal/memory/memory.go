// Package memory loads project memory from GEMINI.md files and lets the
// model append facts to it.
package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"gemdesk/internal/fileutil"
	"gemdesk/internal/logging"
)

const (
	// ProjectFile is the primary memory file, relative to the project dir.
	ProjectFile = ".gemini/GEMINI.md"

	// RootPattern matches additional memory files in the project dir.
	RootPattern = "GEMINI*.md"

	// separator joins the contents of several memory files.
	separator = "\n\n---\n\n"

	// memoriesHeader heads the section save_memory appends to.
	memoriesHeader = "## Gemini Added Memories"
)

// Memory is the combined content of the memory files found in a directory.
type Memory struct {
	Content string
	Files   []string
}

// Empty reports whether no memory content was found.
func (m Memory) Empty() bool {
	return m.Content == ""
}

// Load reads .gemini/GEMINI.md and every GEMINI*.md file in dir. Missing
// files are skipped; empty files contribute nothing.
func Load(dir string) (Memory, error) {
	paths := []string{ProjectFile}

	matches, err := doublestar.Glob(os.DirFS(dir), RootPattern, doublestar.WithFilesOnly())
	if err != nil {
		return Memory{}, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	slices.Sort(matches)
	paths = append(paths, matches...)

	var (
		mem    Memory
		chunks []string
	)
	for _, rel := range paths {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(full)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Memory{}, fmt.Errorf("failed to read %s: %w", full, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		chunks = append(chunks, text)
		mem.Files = append(mem.Files, full)
	}

	mem.Content = strings.TrimSpace(strings.Join(chunks, separator))
	logging.Debug("memory loaded", "dir", dir, "files", len(mem.Files), "bytes", len(mem.Content))
	return mem, nil
}

// SaveFact appends fact as a bullet under the added-memories section of
// dir's .gemini/GEMINI.md, creating the file and section when missing.
func SaveFact(dir, fact string) error {
	fact = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(fact), "-"))
	if fact == "" {
		return errors.New("fact must not be empty")
	}

	path := filepath.Join(dir, filepath.FromSlash(ProjectFile))
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := appendFact(string(data), fact)
	if err := fileutil.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// appendFact inserts "- fact" at the end of the memories section.
func appendFact(content, fact string) string {
	item := "- " + fact

	idx := strings.Index(content, memoriesHeader)
	if idx < 0 {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		if content != "" {
			content += "\n"
		}
		return content + memoriesHeader + "\n" + item + "\n"
	}

	// The section ends at the next heading of the same or higher level.
	bodyStart := idx + len(memoriesHeader)
	end := len(content)
	if next := strings.Index(content[bodyStart:], "\n## "); next >= 0 {
		end = bodyStart + next
	}

	section := strings.TrimRight(content[bodyStart:end], "\n")
	rest := content[end:]
	updated := content[:bodyStart] + section + "\n" + item + "\n"
	if rest != "" {
		updated += "\n" + strings.TrimLeft(rest, "\n")
	}
	return updated
}
