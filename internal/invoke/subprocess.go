package invoke

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/comigor/sessiond/internal/logger"
)

// Subprocess invokes the agent as an external command. The history is written
// as JSON to the process's stdin and the newest user message is additionally
// exposed via AGENT_MESSAGE; the event stream is the process's stdout. Stderr
// is not part of the structured stream: it is logged and never persisted.
type Subprocess struct {
	Command string
	Args    []string
}

// NewSubprocess creates a subprocess invoker for the given command line.
func NewSubprocess(command string, args []string) *Subprocess {
	return &Subprocess{Command: command, Args: args}
}

func (s *Subprocess) Invoke(ctx context.Context, history []Turn) (io.ReadCloser, error) {
	payload, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Env = os.Environ()
	if len(history) > 0 {
		last := history[len(history)-1]
		cmd.Env = append(cmd.Env, "AGENT_MESSAGE="+last.Content)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	go func() {
		if _, err := stdin.Write(payload); err != nil {
			logger.L.Debug("agent stdin write failed", "error", err)
		}
		stdin.Close()
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.L.Debug("agent stderr", "line", scanner.Text())
		}
	}()

	return &processStream{ReadCloser: stdout, cmd: cmd}, nil
}

// processStream reaps the child process when the stream is closed. A non-zero
// exit after a fully consumed stream is logged, not surfaced: the structured
// stream already carried whatever the agent had to say.
type processStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processStream) Close() error {
	p.ReadCloser.Close()
	if err := p.cmd.Wait(); err != nil {
		logger.L.Warn("agent process exited with error", "error", err)
	}
	return nil
}
