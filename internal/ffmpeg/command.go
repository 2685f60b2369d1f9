package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/loopcam/internal/observability"
)

// ErrNotStarted is returned when waiting on or signalling a command that has
// not been started.
var ErrNotStarted = errors.New("command not started")

// stopGrace is how long ffmpeg gets to flush after an interrupt before it is
// killed.
const stopGrace = 5 * time.Second

// maxStderrLines is how many recent stderr lines are kept in memory.
const maxStderrLines = 100

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary     string
	Args       []string
	Input      string
	OutputPath string
	LogLevel   string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	monitor *ProcessMonitor
	logger  *slog.Logger

	stderrLines []string
	progress    Progress
	stderrMu    sync.RWMutex
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
	logger     *slog.Logger
}

// NewCommandBuilder creates a new command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops ffmpeg from reading the terminal, so that Ctrl+C reaches the
// parent first.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Stats enables periodic progress lines on stderr.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats")
	return b
}

// Overwrite enables overwriting output files.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// InputFormat forces the input demuxer (v4l2, h264, ...).
func (b *CommandBuilder) InputFormat(format string) *CommandBuilder {
	if format != "" {
		b.inputArgs = append(b.inputArgs, "-f", format)
	}
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// ApplyCustomOptions parses an options string and appends it to the output
// arguments.
func (b *CommandBuilder) ApplyCustomOptions(opts string) *CommandBuilder {
	if opts == "" {
		return b
	}
	b.outputArgs = append(b.outputArgs, parseOptionsString(opts)...)
	return b
}

// Output sets the output destination. "-" writes to stdout.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Logger sets the logger that receives ffmpeg's stderr at trace level.
func (b *CommandBuilder) Logger(logger *slog.Logger) *CommandBuilder {
	b.logger = logger
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		OutputPath:  b.output,
		LogLevel:    b.logLevel,
		logger:      logger,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

// parseOptionsString splits an options string respecting quotes.
func parseOptionsString(s string) []string {
	var result []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' {
			escaped = true
			continue
		}

		if r == '"' || r == '\'' {
			if !inQuote {
				inQuote = true
				quoteChar = r
			} else if r == quoteChar {
				inQuote = false
			} else {
				current.WriteRune(r)
			}
			continue
		}

		if r == ' ' && !inQuote {
			if current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
			continue
		}

		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// newCmd prepares the exec.Cmd. Cancelling ctx interrupts ffmpeg rather than
// killing it, so the trailing NAL units reach stdout.
func (c *Command) newCmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopGrace
	detach(cmd)
	return cmd
}

// Output runs the command to completion and returns its stdout.
func (c *Command) Output(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.StreamToWriter(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StreamToWriter runs FFmpeg and writes its stdout to w until the process
// exits. Resource usage and bytes written are tracked by a ProcessMonitor and
// stderr is kept for diagnostics. If w returns an error the process is killed.
func (c *Command) StreamToWriter(ctx context.Context, w io.Writer) error {
	c.mu.Lock()
	c.cmd = c.newCmd(ctx)
	c.started = time.Now()

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stdout pipe: %w", err)
	}

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	c.monitor = NewProcessMonitor(c.cmd.Process.Pid)
	c.monitor.Start()
	monitor := c.monitor
	c.mu.Unlock()
	defer monitor.Stop()

	stderrDone := make(chan struct{})
	go c.captureStderr(stderr, stderrDone)

	_, copyErr := io.Copy(NewCountingWriter(w, monitor), stdout)
	if copyErr != nil {
		_ = c.Kill()
		// Drain so ffmpeg is not left blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	<-stderrDone
	waitErr := c.cmd.Wait()

	if copyErr != nil {
		return fmt.Errorf("copying output: %w", copyErr)
	}
	if waitErr != nil && ctx.Err() == nil {
		return c.exitError(waitErr)
	}
	return nil
}

// exitError decorates an exit failure with the last stderr line.
func (c *Command) exitError(err error) error {
	lines := c.StderrLines()
	if len(lines) == 0 {
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	return fmt.Errorf("ffmpeg exited: %w: %s", err, lines[len(lines)-1])
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}

// Signal sends a signal to the FFmpeg process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}

	return cmd.Process.Signal(sig)
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// ProcessStats returns the latest process statistics, or nil before start.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	monitor := c.monitor
	c.mu.RUnlock()

	if monitor == nil {
		return nil
	}
	stats := monitor.Stats()
	return &stats
}

// Progress returns the most recent progress line parsed from stderr.
func (c *Command) Progress() Progress {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	return c.progress
}

// StderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// captureStderr reads FFmpeg stderr, keeps recent lines and the latest
// progress report, and forwards every line to the logger at trace level.
func (c *Command) captureStderr(stderr io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c.stderrMu.Lock()
		if p, ok := ParseProgress(line); ok {
			c.progress = p
		} else {
			if len(c.stderrLines) >= maxStderrLines {
				c.stderrLines = c.stderrLines[1:]
			}
			c.stderrLines = append(c.stderrLines, line)
		}
		c.stderrMu.Unlock()

		c.logger.Log(context.Background(), observability.LevelTrace, "ffmpeg", slog.String("line", line))
	}
}

// scanLines splits on either '\n' or '\r'; ffmpeg rewrites its stats line in
// place with carriage returns.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
