package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/cadence/pkg/models"
)

func TestRegistryDefaultsToScript(t *testing.T) {
	r := NewRegistry("")
	assert.Equal(t, EngineScript, r.Default())
	assert.Equal(t, []string{EngineScript}, r.Names())

	task := &models.Task{ID: "task-1"}
	eng, err := r.Build(task, models.SpawnRequest{Script: "steps:\n  - final: done\n"})
	require.NoError(t, err)
	require.NotNil(t, eng)
	assert.Equal(t, EngineScript, task.Engine)
	require.NoError(t, eng.Close())
}

func TestRegistryScriptIsInlineOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - progress: hi\n  - final: bye\n"), 0o644))

	r := NewRegistry(EngineScript)
	_, err := r.Build(&models.Task{ID: "task-1"}, models.SpawnRequest{Script: path})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "bye")

	_, err = r.Build(&models.Task{ID: "task-2"}, models.SpawnRequest{})
	assert.ErrorContains(t, err, "needs a script")
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry(EngineScript)
	r.Register(EngineProcess, ProcessFactory(ProcessConfig{Command: "claude", Args: DefaultClaudeArgs(), LogDir: "/tmp/logs"}))

	assert.NoError(t, r.Validate(""))
	assert.NoError(t, r.Validate(EngineProcess))
	err := r.Validate("gemini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process, script")

	_, err = r.Build(&models.Task{ID: "task-3"}, models.SpawnRequest{Engine: "gemini"})
	assert.Error(t, err)
}

func TestProcessFactory(t *testing.T) {
	f := ProcessFactory(ProcessConfig{Command: "claude", Args: []string{"-p"}, LogDir: "/var/log/cadence"})
	task := &models.Task{ID: "task-4", Prompt: "hi", WorkDir: "/src"}
	eng, err := f(task, models.SpawnRequest{Args: []string{"--model", "opus"}})
	require.NoError(t, err)

	p := eng.(*ProcessEngine)
	assert.Equal(t, []string{"-p", "--model", "opus"}, p.cfg.Args)
	assert.Equal(t, "/src", p.cfg.WorkDir)
	assert.Equal(t, "/var/log/cadence/task-4.log", task.LogFile)
	require.NoError(t, p.Close())

	_, err = ProcessFactory(ProcessConfig{})(task, models.SpawnRequest{})
	assert.Error(t, err)
}
