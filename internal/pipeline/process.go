package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
)

// DefaultTippecanoeArgs is the argument list of every tile build. The
// output flag is appended per job.
var DefaultTippecanoeArgs = []string{
	"--quiet",
	"--no-feature-limit",
	"--no-tile-size-limit",
	"--force",
	"--simplification=2",
	"--drop-rate=1",
	"--minimum-zoom=0",
	"--maximum-zoom=5",
	"--base-zoom=5",
	"--hilbert",
}

// Launcher starts the consumer that builds the artifact at outputPath.
type Launcher interface {
	Launch(ctx context.Context, outputPath string) (Sink, error)
}

// TippecanoeLauncher runs the tile builder with features piped to its
// standard input.
type TippecanoeLauncher struct {
	Path          string
	Args          []string
	HighWaterMark int
	// Stdout and Stderr default to the parent's.
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Command returns the argument list for outputPath.
func (l *TippecanoeLauncher) Command(outputPath string) []string {
	args := l.Args
	if len(args) == 0 {
		args = DefaultTippecanoeArgs
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args...)
	return append(out, "--output="+outputPath)
}

// Launch implements Launcher.
func (l *TippecanoeLauncher) Launch(ctx context.Context, outputPath string) (Sink, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.CommandContext(ctx, l.Path, l.Command(outputPath)...) //nolint:gosec // G204: path and args come from the operator
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	sink, err := StartProcess(cmd, l.HighWaterMark)
	if err != nil {
		return nil, err
	}
	logger.Info("tile builder started",
		zap.String("path", l.Path),
		zap.Int("pid", sink.Pid()),
		zap.String("output", outputPath))
	return sink, nil
}

// ProcessSink is a Sink feeding the standard input of a child process. Wait
// reports the process's exit.
type ProcessSink struct {
	*StreamSink

	cmd     *exec.Cmd
	exited  chan struct{}
	status  ExitStatus
	waitErr error
}

// StartProcess starts cmd with its standard input attached to a sink. The
// process is reaped in the background as soon as it exits.
func StartProcess(cmd *exec.Cmd, hwm int) (*ProcessSink, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeProcess, "failed to open process input").
			WithDetail("path", cmd.Path)
	}
	if err := cmd.Start(); err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeProcess, "failed to start process").
			WithDetail("path", cmd.Path)
	}

	p := &ProcessSink{
		StreamSink: NewStreamSink(stdin, hwm),
		cmd:        cmd,
		exited:     make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (p *ProcessSink) reap() {
	defer close(p.exited)

	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.status = ExitStatus{Code: 0}
	case errors.As(err, &exitErr):
		p.status = ExitStatus{Code: exitErr.ExitCode()}
	default:
		p.status = ExitStatus{Code: -1}
		p.waitErr = clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeProcess, "failed waiting for process").
			WithDetail("path", p.cmd.Path)
	}
}

// Wait implements Sink. It returns once the process has exited, whatever
// its exit status.
func (p *ProcessSink) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.exited:
		return p.status, p.waitErr
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}
}

// Pid returns the process id.
func (p *ProcessSink) Pid() int { return p.cmd.Process.Pid }
