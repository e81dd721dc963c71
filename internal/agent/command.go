package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultGracePeriod = 5 * time.Second
	stderrTail         = 512
)

// CommandExecutor runs an endpoint's command once per invocation. The
// invocation is written to stdin as JSON and stdout must hold a JSON object
// of outputs (or nothing). Cancellation sends an interrupt and kills the
// process after GracePeriod.
type CommandExecutor struct {
	Dir         string
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Invoke implements Executor.
func (c *CommandExecutor) Invoke(ctx context.Context, inv Invocation, done func(Completion)) error {
	if len(inv.Agent.Command) == 0 {
		return fmt.Errorf("agent: %s: command is required", inv.Agent.Name)
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("agent: encode invocation: %w", err)
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if inv.Agent.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Agent.Timeout)
	}
	cmd := exec.CommandContext(runCtx, inv.Agent.Command[0], inv.Agent.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), commandEnv(inv)...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = c.gracePeriod()
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("agent: start %s: %w", inv.Agent.Name, err)
	}
	c.logger().Debug("agent started", "agent", inv.Agent.Name, "stage", inv.Stage, "attempt", inv.Attempt, "pid", cmd.Process.Pid)
	go func() {
		defer cancel()
		waitErr := cmd.Wait()
		if waitErr != nil {
			done(Completion{Err: commandError(inv, waitErr, stderr.Bytes())})
			return
		}
		outputs, parseErr := parseOutputs(stdout.Bytes())
		if parseErr != nil {
			done(Completion{Err: fmt.Errorf("agent: %s: %w", inv.Agent.Name, parseErr)})
			return
		}
		done(Completion{Outputs: outputs})
	}()
	return nil
}

func (c *CommandExecutor) gracePeriod() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return defaultGracePeriod
}

func (c *CommandExecutor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func commandEnv(inv Invocation) []string {
	env := []string{
		"STAGEFLOW_INSTANCE_ID=" + inv.InstanceID,
		"STAGEFLOW_WORKFLOW_ID=" + inv.WorkflowID,
		"STAGEFLOW_STAGE=" + inv.Stage,
		fmt.Sprintf("STAGEFLOW_ATTEMPT=%d", inv.Attempt),
	}
	for key, value := range inv.Agent.Env {
		env = append(env, key+"="+value)
	}
	return env
}

func commandError(inv Invocation, err error, stderr []byte) error {
	tail := strings.TrimSpace(string(stderr))
	if len(tail) > stderrTail {
		tail = tail[len(tail)-stderrTail:]
	}
	if tail == "" {
		return fmt.Errorf("agent: %s: %w", inv.Agent.Name, err)
	}
	return fmt.Errorf("agent: %s: %w: %s", inv.Agent.Name, err, tail)
}

func parseOutputs(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var outputs map[string]any
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	return outputs, nil
}
