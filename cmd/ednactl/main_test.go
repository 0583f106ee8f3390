package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallConfig = `
artifacts:
  driver: memory
synthesis:
  plates: 12
  field:
    locations: 150
    domain: {max_x: 1, max_y: 1}
    b0: 1.0
    range: 0.4
    sigma_o: 0.8
    time_steps: 1
    mesh_cutoff: 0.15
    mesh_offset: 0.1
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "edna.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(smallConfig), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--db", ":memory:"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decodeTasks(t *testing.T, out string) []map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(out))
	var tasks []map[string]any
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		tasks = append(tasks, m)
	}
	return tasks
}

func TestPipelineCommand(t *testing.T) {
	out, err := run(t, "pipeline", "--seed", "7", "--draws", "20")
	require.NoError(t, err, out)

	tasks := decodeTasks(t, out)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, "completed", task["status"], "%v", task)
	}
	assert.Equal(t, "edna_synthesis", tasks[0]["skill"])
	assert.Equal(t, "residual_diagnostics", tasks[2]["skill"])

	result := tasks[2]["result"].(map[string]any)
	assert.NotEmpty(t, result["residual_id"])
	assert.NotEmpty(t, result["artifact_key"])
}

func TestSimulateCommand(t *testing.T) {
	out, err := run(t, "simulate", "--seed", "11", "--locations", "40")
	require.NoError(t, err, out)

	tasks := decodeTasks(t, out)
	require.Len(t, tasks, 1)
	result := tasks[0]["result"].(map[string]any)
	assert.EqualValues(t, 11, result["seed"])
	assert.EqualValues(t, 18*3*12, result["standards"])
	assert.EqualValues(t, 40, result["observations"])
}

func TestFitUnknownRunFails(t *testing.T) {
	out, err := run(t, "fit", "no-such-run")
	require.Error(t, err)
	tasks := decodeTasks(t, out)
	require.Len(t, tasks, 1)
	assert.Equal(t, "failed", tasks[0]["status"])
	assert.Equal(t, "config", tasks[0]["error_kind"])
}

func TestResidualsRejectsBadMode(t *testing.T) {
	_, err := run(t, "residuals", "some-fit", "--mode", "bootstrap")
	assert.ErrorContains(t, err, "unknown residual mode")
}

func TestTokenCommand(t *testing.T) {
	_, err := run(t, "token")
	assert.ErrorContains(t, err, "JWT secret")

	t.Setenv("JWT_SECRET", "s3cret")
	out, err := run(t, "token", "--subject", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}
