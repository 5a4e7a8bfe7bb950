package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"egress-runner/pkg/models"
)

// Environment variables passed to worker processes.
const (
	EnvTask       = "EGRESS_TASK"
	EnvProxyURL   = "EGRESS_PROXY_URL"
	EnvProxyLabel = "EGRESS_PROXY_LABEL"
)

const outputBuffer = 1024

// drainTimeout bounds how long output is read after the worker exits.
var drainTimeout = time.Second

// ProcessEnvironment runs each attempt as a separate OS process. A stdout line of the form
// {"type":"result",...} is the worker's terminal result; every other line is diagnostic.
type ProcessEnvironment struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

func (e *ProcessEnvironment) Start(ctx context.Context, identity string, proxy *models.ProxyRecord) (Worker, error) {
	if e.Command == "" {
		return nil, errors.New("no worker command configured")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The attempt outlives ctx; only Terminate stops it.
	cmd := exec.Command(e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, EnvTask+"="+identity)
	if proxy != nil {
		cmd.Env = append(cmd.Env, EnvProxyURL+"="+proxy.URL().String(), EnvProxyLabel+"="+proxy.Label)
	}
	setProcessGroup(cmd)

	// Plain pipes rather than cmd.StdoutPipe, so Wait returns when the worker exits even if
	// a helper it spawned still holds the write ends.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("failed to start %s: %w", e.Command, err)
	}
	logger.Debug("Worker process started", "task", identity, "pid", cmd.Process.Pid)

	p := &process{
		cmd:     cmd,
		output:  make(chan string, outputBuffer),
		results: make(chan Message, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}

	drained := make(chan struct{})
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		p.scan(stdout, true)
	}()
	go func() {
		defer pipes.Done()
		p.scan(stderr, false)
	}()
	go func() {
		pipes.Wait()
		close(drained)
	}()
	go func() {
		err := cmd.Wait()
		select {
		case <-drained:
		case <-time.After(drainTimeout):
			logger.Warn("Worker exited but its output is still held open, stopping its process group",
				"task", identity, "pid", cmd.Process.Pid)
			_ = signalProcess(cmd, Hard)
			closeAll(stdout, stderr)
			<-drained
		}
		closeAll(stdout, stderr)
		p.setStatus(err)
		close(p.output)
		close(p.done)
		logger.Debug("Worker process exited", "task", identity, "status", p.Status())
	}()
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type process struct {
	cmd     *exec.Cmd
	output  chan string
	results chan Message
	done    chan struct{}
	logger  *slog.Logger

	mu       sync.Mutex
	status   Status
	reported bool
}

func (p *process) Output() <-chan string   { return p.output }
func (p *process) Results() <-chan Message { return p.results }
func (p *process) Done() <-chan struct{}   { return p.done }

func (p *process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *process) Terminate(mode TerminateMode) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return signalProcess(p.cmd, mode)
}

func (p *process) scan(r io.Reader, stdout bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if stdout {
			if msg, ok := ParseResult(line); ok {
				p.report(msg)
				continue
			}
		}
		p.emit(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("Worker stream ended with error", "error", err)
	}
}

func (p *process) report(msg Message) {
	p.mu.Lock()
	first := !p.reported
	p.reported = true
	p.mu.Unlock()
	if !first {
		p.emit(fmt.Sprintf("extra result message ignored: success=%t reason=%s", msg.Success, msg.Reason))
		return
	}
	p.results <- msg
}

// emit never blocks the pipe readers; a full buffer drops the line.
func (p *process) emit(line string) {
	select {
	case p.output <- line:
	default:
		p.logger.Debug("Worker output dropped", "line", line)
	}
}

func (p *process) setStatus(err error) {
	st := Status{}
	if ps := p.cmd.ProcessState; ps != nil {
		st.ExitCode = ps.ExitCode()
		st.Signal = exitSignal(ps)
	} else if err != nil {
		st.ExitCode = -1
	}
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
}

// ParseResult recognizes a terminal result line.
func ParseResult(line string) (Message, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != MessageTypeResult {
		return Message{}, false
	}
	return msg, true
}
