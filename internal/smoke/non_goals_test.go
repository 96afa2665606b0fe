package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Agents are reached only through their URL. Model SDKs, agent runtimes and
// terminal UIs belong to the agents themselves, never to the mesh.
func TestSmoke_NoAgentRuntimeDependencies(t *testing.T) {
	root := moduleRoot(t)

	// Built from fragments so a source scan does not flag this file.
	banned := []string{
		strings.Join([]string{"github.com/", "firebase/", "gen", "kit"}, ""),
		strings.Join([]string{"github.com/", "anthropics/", "anthropic-sdk", "-go"}, ""),
		strings.Join([]string{"github.com/", "openai/", "openai", "-go"}, ""),
		strings.Join([]string{"github.com/", "charmbracelet/", "bubble", "tea"}, ""),
		strings.Join([]string{"github.com/", "tetratelabs/", "wa", "zero"}, ""),
	}

	for _, p := range []string{"go.mod", "go.sum"} {
		b, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		lower := strings.ToLower(string(b))
		for _, s := range banned {
			if strings.Contains(lower, strings.ToLower(s)) {
				t.Fatalf("found banned dependency %q in %s", s, p)
			}
		}
	}

	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	outLower := strings.ToLower(buf.String())
	for _, s := range banned {
		if strings.Contains(outLower, strings.ToLower(s)) {
			t.Fatalf("found banned import path %q in dependency graph", s)
		}
	}
}
