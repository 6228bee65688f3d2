package engine

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Hook environment variable names.
const (
	EnvRunID     = "SBKUBE_RUN_ID"
	EnvAppName   = "SBKUBE_APP_NAME"
	EnvNamespace = "SBKUBE_NAMESPACE"
	EnvProfile   = "SBKUBE_PROFILE"
	EnvTaskID    = "SBKUBE_TASK_ID"
	EnvAttempt   = "SBKUBE_ATTEMPT"
)

// HookContext is the explicit environment handed to every command of a node.
// Each node gets its own copy, so workers never share or mutate one.
type HookContext struct {
	RunID     string
	AppName   string
	Namespace string
	Profile   string
}

// ForTask returns the variables for one attempt of one task.
func (h HookContext) ForTask(taskID string, attempt int) map[string]string {
	return map[string]string{
		EnvRunID:     h.RunID,
		EnvAppName:   h.AppName,
		EnvNamespace: h.Namespace,
		EnvProfile:   h.Profile,
		EnvTaskID:    taskID,
		EnvAttempt:   strconv.Itoa(attempt),
	}
}

// buildCommandEnv merges, in increasing precedence, the task's env files, its
// Env map and the hook variables. Relative env file paths resolve against cwd.
func buildCommandEnv(spec CommandSpec, hook map[string]string) (map[string]string, error) {
	env := make(map[string]string)

	if len(spec.EnvFiles) > 0 {
		files := make([]string, len(spec.EnvFiles))
		for i, f := range spec.EnvFiles {
			if spec.Cwd != "" && !filepath.IsAbs(f) {
				f = filepath.Join(spec.Cwd, f)
			}
			files[i] = f
		}
		fromFiles, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("failed to read env files: %w", err)
		}
		for k, v := range fromFiles {
			env[k] = v
		}
	}

	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range hook {
		env[k] = v
	}
	return env, nil
}
