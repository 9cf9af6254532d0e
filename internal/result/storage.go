package result

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	RunFile   = "run.json"
	TracesDir = "traces"
)

func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	// Two runs in the same second get distinct directories.
	for i := 2; ; i++ {
		if _, err := os.Stat(runDir); os.IsNotExist(err) {
			break
		}
		runDir = filepath.Join(filepath.Dir(runDir), fmt.Sprintf("%s-%d", stamp, i))
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// RemoveRunDir deletes a run dir created by CreateRunDir, and the latest
// symlink if it still points there.
func RemoveRunDir(baseDir, runDir string) error {
	latest := filepath.Join(baseDir, "latest")
	if target, err := os.Readlink(latest); err == nil && target == runDir {
		if err := os.Remove(latest); err != nil {
			return fmt.Errorf("removing latest symlink: %w", err)
		}
	}
	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("removing run dir: %w", err)
	}
	return nil
}

// TraceFileName returns the trace path relative to the run dir. Units that
// errored or scored below 1 are prefixed FAIL, the rest PASS.
func TraceFileName(model, testID string, passed bool) string {
	status := "FAIL"
	if passed {
		status = "PASS"
	}
	return filepath.Join(TracesDir, Slug(model), status+"-"+Slug(testID)+".json")
}

// Slug makes s safe as a single path element. When characters had to be
// replaced, a short hash of the original keeps distinct names distinct.
func Slug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == s && out != "" {
		return out
	}
	h := fnv.New32a()
	h.Write([]byte(s))
	if out == "" {
		out = "x"
	}
	return fmt.Sprintf("%s-%08x", out, h.Sum32())
}

func WriteTrace(runDir string, t *Trace) (string, error) {
	rel := TraceFileName(t.Model, t.TestID, t.Passed())
	path := filepath.Join(runDir, rel)
	if err := writeJSON(path, t); err != nil {
		return "", fmt.Errorf("writing trace %s: %w", rel, err)
	}
	return path, nil
}

func WriteRun(runDir string, run *Run) error {
	if err := writeJSON(filepath.Join(runDir, RunFile), run); err != nil {
		return fmt.Errorf("writing run: %w", err)
	}
	return nil
}

func ReadRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run: %w", err)
	}
	return &run, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
