package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opencode-ai/agentrelay/internal/logging"
)

// ApprovalToolName is the MCP tool the agent calls for permission.
const ApprovalToolName = "mcp__relay__approval_prompt"

// killGrace is how long the process group gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// ClaudeRunner runs the Claude CLI in print mode with stream-json output.
type ClaudeRunner struct {
	Binary    string
	Model     string
	ExtraArgs []string
	// MCPBaseURL is the relay's MCP endpoint, e.g. http://127.0.0.1:4097/mcp.
	// When set the agent is pointed at it for permission prompts.
	MCPBaseURL string
	// Approvals receives each run's CanUseTool for the MCP endpoint to call.
	Approvals *ToolApprovals
}

func (r *ClaudeRunner) args(req Request) ([]string, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.ResumeHandle != "" {
		args = append(args, "--resume", req.ResumeHandle)
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	if r.MCPBaseURL != "" {
		mcpConfig, err := json.Marshal(map[string]any{
			"mcpServers": map[string]any{
				"relay": map[string]string{
					"type": "http",
					"url":  strings.TrimRight(r.MCPBaseURL, "/") + "/" + url.PathEscape(req.ConversationID),
				},
			},
		})
		if err != nil {
			return nil, err
		}
		args = append(args, "--permission-prompt-tool", ApprovalToolName, "--mcp-config", string(mcpConfig))
	}
	args = append(args, r.ExtraArgs...)
	return append(args, req.Prompt), nil
}

// Start launches the CLI. Canceling ctx terminates the whole process group.
func (r *ClaudeRunner) Start(ctx context.Context, req Request) (Stream, error) {
	args, err := r.args(req)
	if err != nil {
		return nil, err
	}

	binary := r.Binary
	if binary == "" {
		binary = "claude"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(killGrace)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
	cmd.WaitDelay = killGrace * 2

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	unregister := func() {}
	if r.Approvals != nil && req.CanUseTool != nil {
		unregister = r.Approvals.Register(ctx, req.ConversationID, req.CanUseTool)
	}

	if err := cmd.Start(); err != nil {
		unregister()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	logging.Debug().
		Str("conversation", req.ConversationID).
		Str("resume", req.ResumeHandle).
		Int("pid", cmd.Process.Pid).
		Msg("agent started")

	s := &claudeStream{
		ctx:        ctx,
		cmd:        cmd,
		stderr:     &stderr,
		events:     make(chan Event, 16),
		done:       make(chan struct{}),
		unregister: unregister,
	}
	go s.read(stdout)
	return s, nil
}

type claudeStream struct {
	ctx        context.Context
	cmd        *exec.Cmd
	stderr     *bytes.Buffer
	events     chan Event
	done       chan struct{}
	unregister func()

	// err is written by read before events is closed.
	err       error
	exited    atomic.Bool
	closeOnce sync.Once
}

func (s *claudeStream) read(stdout io.Reader) {
	defer close(s.events)

	scanner := bufio.NewScanner(stdout)
	// Tool results can carry whole files.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	sawResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		events, err := ParseLine(line)
		if err != nil {
			logging.Debug().Err(err).Msg("skipping malformed agent output line")
			continue
		}
		for _, ev := range events {
			if _, ok := ev.(Result); ok {
				sawResult = true
			}
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				s.err = s.ctx.Err()
				s.wait()
				return
			case <-s.done:
				s.err = io.ErrClosedPipe
				s.wait()
				return
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := s.wait()
	switch {
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case scanErr != nil:
		s.err = fmt.Errorf("read agent output: %w", scanErr)
	case waitErr != nil && !sawResult:
		s.err = fmt.Errorf("agent exited: %w%s", waitErr, stderrTail(s.stderr))
	default:
		s.err = io.EOF
	}
}

func (s *claudeStream) wait() error {
	err := s.cmd.Wait()
	s.exited.Store(true)
	return err
}

func (s *claudeStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		return nil, s.err
	}
	return ev, nil
}

// Close stops the process if it is still running and releases the
// approval registration. It does not wait for the process to exit.
func (s *claudeStream) Close() error {
	s.closeOnce.Do(func() {
		s.unregister()
		close(s.done)
		if !s.exited.Load() {
			if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
				logging.Debug().Err(err).Msg("signal agent process group")
			}
		}
	})
	return nil
}

func stderrTail(buf *bytes.Buffer) string {
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return ""
	}
	if len(text) > 500 {
		text = "..." + text[len(text)-500:]
	}
	return ": " + text
}
