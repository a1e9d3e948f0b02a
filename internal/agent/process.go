package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/engine"
)

const (
	defaultLogDir      = ".cadence/logs"
	defaultStopTimeout = 5 * time.Second
	maxLineSize        = 1024 * 1024
	stderrTailLines    = 20
)

// DefaultClaudeArgs runs the claude CLI headless with stream-json on both
// ends, so questions can be answered through stdin.
func DefaultClaudeArgs() []string {
	return []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
}

// ProcessConfig describes how to run the agent CLI.
type ProcessConfig struct {
	Command string
	Args    []string
	WorkDir string
	// LogDir receives one <task id>.log file with the raw output. Empty
	// disables the log.
	LogDir      string
	Env         []string
	StopTimeout time.Duration
	Logger      *zap.Logger
}

// ProcessEngine is an Engine backed by an agent CLI speaking stream-json.
// The prompt is written to stdin as the first user message; answers go
// back the same way as tool results.
type ProcessEngine struct {
	cfg     ProcessConfig
	taskID  string
	prompt  string
	logPath string
	logger  *zap.Logger

	signals chan engine.Signal
	stop    chan struct{}
	exited  chan struct{}

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	started bool
	askID   string
	stderr  []string
}

// NewProcessEngine prepares an engine for one task. The process starts on
// the first call to Next.
func NewProcessEngine(taskID, prompt string, cfg ProcessConfig) *ProcessEngine {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ProcessEngine{
		cfg:     cfg,
		taskID:  taskID,
		prompt:  prompt,
		logger:  logger.With(zap.String("task_id", taskID), zap.String("command", cfg.Command)),
		signals: make(chan engine.Signal),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if cfg.LogDir != "" {
		p.logPath = filepath.Join(cfg.LogDir, taskID+".log")
	}
	return p
}

// DefaultLogDir returns ~/.cadence/logs.
func DefaultLogDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, defaultLogDir)
}

// LogFile returns the path of the raw output log, if any.
func (p *ProcessEngine) LogFile() string {
	return p.logPath
}

func (p *ProcessEngine) start(ctx context.Context) error {
	select {
	case <-p.stop:
		return engine.ErrEngineClosed
	default:
	}

	var logFile *os.File
	if p.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(p.logPath), 0o755); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		f, err := os.Create(p.logPath)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		logFile = f
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.Env = append(cmd.Env, p.cfg.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = p.cfg.StopTimeout

	fail := func(err error) error {
		cancel()
		if logFile != nil {
			logFile.Close()
		}
		return err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to start %s: %w", p.cfg.Command, err))
	}

	p.mu.Lock()
	p.cancel = cancel
	p.stdin = stdin
	p.started = true
	p.mu.Unlock()

	p.logger.Info("task_event=started", zap.Int("pid", cmd.Process.Pid), zap.String("log_file", p.logPath))

	var logMu sync.Mutex
	writeLog := func(prefix, line string) {
		if logFile == nil {
			return
		}
		logMu.Lock()
		fmt.Fprintf(logFile, "%s%s\n", prefix, line)
		logMu.Unlock()
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.captureStderr(stderr, writeLog)
	}()
	go func() {
		defer close(p.exited)
		defer cancel()
		if logFile != nil {
			defer logFile.Close()
		}
		p.run(cmd, stdout, stderrDone, writeLog)
	}()

	line, err := promptLine(p.prompt)
	if err != nil {
		return err
	}
	if err := p.writeLine(line); err != nil {
		p.logger.Warn("failed to send prompt", zap.Error(err))
	}
	return nil
}

func (p *ProcessEngine) run(cmd *exec.Cmd, stdout io.Reader, stderrDone <-chan struct{}, writeLog func(string, string)) {
	parser := NewStreamParser()
	terminal := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		writeLog("", line)
		if terminal {
			continue
		}
		for _, sig := range parser.Parse(line) {
			if sig.Kind == engine.SignalAsk {
				p.mu.Lock()
				p.askID = parser.AskID()
				p.mu.Unlock()
			}
			if sig.Kind == engine.SignalFinal || sig.Kind == engine.SignalFailure {
				terminal = true
				p.closeStdin()
			}
			if !p.send(sig) || terminal {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("reading agent output", zap.Error(err))
	}

	<-stderrDone
	waitErr := cmd.Wait()
	p.logger.Debug("agent process exited", zap.NamedError("wait", waitErr))
	if terminal {
		return
	}

	tail := p.stderrTail()
	switch {
	case waitErr != nil && tail != "":
		p.send(engine.Failure(fmt.Errorf("%s exited: %w: %s", p.cfg.Command, waitErr, tail)))
	case waitErr != nil:
		p.send(engine.Failure(fmt.Errorf("%s exited: %w", p.cfg.Command, waitErr)))
	default:
		p.send(engine.Failure(fmt.Errorf("%s exited without a result", p.cfg.Command)))
	}
}

func (p *ProcessEngine) captureStderr(r io.Reader, writeLog func(string, string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		writeLog("[stderr] ", line)
		p.mu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > stderrTailLines {
			p.stderr = p.stderr[len(p.stderr)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

func (p *ProcessEngine) stderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(strings.Join(p.stderr, "\n"))
}

func (p *ProcessEngine) send(sig engine.Signal) bool {
	select {
	case p.signals <- sig:
		return true
	case <-p.stop:
		return false
	}
}

func (p *ProcessEngine) writeLine(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return engine.ErrEngineClosed
	}
	_, err := p.stdin.Write(append(line, '\n'))
	return err
}

func (p *ProcessEngine) closeStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
}

// Next implements engine.Engine.
func (p *ProcessEngine) Next(ctx context.Context) (engine.Signal, error) {
	p.startOnce.Do(func() { p.startErr = p.start(ctx) })
	if p.startErr != nil {
		return engine.Signal{}, p.startErr
	}
	select {
	case sig := <-p.signals:
		return sig, nil
	case <-p.stop:
		return engine.Signal{}, engine.ErrEngineClosed
	case <-ctx.Done():
		return engine.Signal{}, ctx.Err()
	}
}

// Reply implements engine.Engine. An unanswered question is reported to
// the agent as a failed tool call so it can decide how to go on.
func (p *ProcessEngine) Reply(_ context.Context, r engine.Reply) error {
	p.mu.Lock()
	id := p.askID
	p.askID = ""
	p.mu.Unlock()
	if id == "" {
		return errors.New("no question is waiting for a reply")
	}

	text, isError := r.Answer.Text, false
	if r.Err != nil {
		text, isError = "The user did not answer: "+r.Err.Error(), true
	}
	line, err := answerLine(id, text, isError)
	if err != nil {
		return err
	}
	return p.writeLine(line)
}

// Close implements engine.Engine. A process still running is terminated.
func (p *ProcessEngine) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.closeStdin()
		p.mu.Lock()
		started, cancel := p.started, p.cancel
		p.mu.Unlock()
		if !started {
			return
		}
		select {
		case <-p.exited:
			return
		case <-time.After(p.cfg.StopTimeout):
		}
		cancel()
		<-p.exited
	})
	return nil
}
