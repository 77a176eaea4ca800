// Package fixtures provides the sample log corpus used by tests.
package fixtures

import (
	"embed"
	"path"
	"strings"
	"testing"
)

//go:embed corpus
var corpus embed.FS

// Lines returns the lines of a corpus file, without the trailing empty line.
// The name is the file name inside corpus/, e.g. "syslog.log".
func Lines(t testing.TB, name string) []string {
	t.Helper()

	lines := strings.Split(string(Bytes(t, name)), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Bytes returns the raw content of a corpus file.
func Bytes(t testing.TB, name string) []byte {
	t.Helper()

	content, err := corpus.ReadFile(path.Join("corpus", name))
	if err != nil {
		t.Fatalf("failed to load fixture %s: %v", name, err)
	}
	return content
}

// Names lists the corpus files.
func Names() []string {
	entries, err := corpus.ReadDir("corpus")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
