package suite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/suite"
)

func TestLoadSuite(t *testing.T) {
	s, err := suite.Load("../../testdata/suite.yaml")
	require.NoError(t, err)

	assert.Equal(t, "smoke", s.Name)
	require.Len(t, s.Tests, 4)

	arith := s.Tests[0]
	assert.Equal(t, "arith-1", arith.ID)
	assert.Equal(t, suite.Expected{"42"}, arith.Expected)
	assert.Equal(t, "numeric", arith.Evaluator.Type)

	colors := s.Tests[2]
	assert.Equal(t, suite.Expected{"red", "green", "blue"}, colors.Expected)
	assert.Equal(t, "all", colors.Evaluator.Mode)
	assert.Equal(t, "easy", colors.Metadata["difficulty"])

	haiku := s.Tests[3]
	require.Len(t, haiku.Evaluator.Rubric, 2)
	assert.Equal(t, 2.0, haiku.Evaluator.Rubric[0].Weight)
}

func TestLoadSuiteDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tests:\n  - id: a\n    prompt: hi\n"), 0o644))

	s, err := suite.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "exact", s.Tests[0].Evaluator.Type)
	assert.Equal(t, "general", s.Tests[0].Task)
}

func TestLoadSuiteInvalid(t *testing.T) {
	_, err := suite.Load("../../testdata/bad_suite.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")

	_, err = suite.Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	tests := []suite.Test{
		{ID: "a", Task: "math"},
		{ID: "b", Task: "math"},
		{ID: "c", Task: "writing"},
	}
	assert.Len(t, suite.Filter(tests, "", ""), 3)
	assert.Len(t, suite.Filter(tests, "", "math"), 2)
	assert.Len(t, suite.Filter(tests, "c", ""), 1)
	assert.Len(t, suite.Filter(tests, "c", "math"), 0)
}
