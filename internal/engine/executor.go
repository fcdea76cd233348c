package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/OpenBMB/IoA/internal/config"
	"github.com/OpenBMB/IoA/internal/llm"
)

// Executor completes an assigned task and returns its conclusion.
type Executor interface {
	Execute(ctx context.Context, task string) (string, error)
}

// CommandExecutor pipes the task description into a shell command and
// reads the conclusion from its stdout.
type CommandExecutor struct {
	command string
	workDir string
}

func NewCommandExecutor(command, workDir string) *CommandExecutor {
	return &CommandExecutor{command: command, workDir: workDir}
}

func (c *CommandExecutor) Execute(ctx context.Context, task string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Dir = c.workDir
	cmd.Stdin = strings.NewReader(task)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("executor command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// BuildExecutor returns the configured executor, or nil when tasks
// should be answered by the model directly.
func BuildExecutor(cfg config.ToolConfig) Executor {
	if cfg.Command == "" {
		return nil
	}
	return NewCommandExecutor(cfg.Command, cfg.WorkDir)
}

// runExecutor completes a task with the configured executor, falling
// back to a plain completion framed by the agent's own description.
func (e *Engine) runExecutor(ctx context.Context, task string) (string, error) {
	if e.executor != nil {
		return e.executor.Execute(ctx, task)
	}
	res, err := e.llm.Generate(ctx, llm.Request{
		Prepend: []string{e.desc},
		Append:  []string{task},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
