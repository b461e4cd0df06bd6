// Package procrunner execs external commands (buildpack lifecycle
// scripts) behind a pty pair, the same
// way a real shell session would see them, so scripts that check
// isatty(1) behave identically to an interactive invocation.
//
// Grounded on original_source/.../staging.py's Runner class (pty.openpty
// + select loop, EIO-as-EOF, ANSI stripping) and the teacher's
// containers.go (creack/pty, golang.org/x/term, exec.CommandContext).
package procrunner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// ansiEscape matches the same class of sequences as the Python original's
// `ansi_escape` regex: escape sequences introduced either by ESC or by a
// C1 control character (U+0080-U+009F).
var ansiEscape = regexp.MustCompile(`(?:\x1b[@-_]|[\x{80}-\x{9f}])[0-?]*[ -/]*[@-~]`)

// Result is the universal contract every invocation returns: the child's
// exit status plus its output, split into lines with ANSI sequences and
// carriage returns stripped.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
}

// Sink receives each captured line as it arrives, prefixed, for log
// aggregation. It may be nil.
type Sink func(prefix, line string)

// Runner execs commands behind a pty pair.
type Runner struct {
	// PassThrough additionally tees raw (unstripped) pty bytes to the
	// real os.Stdout/os.Stderr, so an interactive invocation sees
	// buildpack color codes and progress bars exactly as a shell would.
	// When false (the default for captured/background invocations) only
	// the Sink (if any) sees stripped, prefixed lines.
	PassThrough bool
}

// New returns a Runner whose PassThrough default follows whether the
// process's own stdout is attached to a terminal.
func New() *Runner {
	return &Runner{PassThrough: term.IsTerminal(int(os.Stdout.Fd()))}
}

// Run execs argv[0] with argv[1:], the given environment and working
// directory, and streams its stdout and stderr through two separate ptys,
// captured into Result.Stdout and Result.Stderr. prefix is prepended to
// every line handed to sink.
func (r *Runner) Run(ctx context.Context, argv []string, env []string, dir string, prefix string, sink Sink) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("procrunner: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	outMaster, outSlave, err := pty.Open()
	if err != nil {
		return Result{}, err
	}
	defer outMaster.Close()

	errMaster, errSlave, err := pty.Open()
	if err != nil {
		outSlave.Close()
		return Result{}, err
	}
	defer errMaster.Close()

	cmd.Stdout = outSlave
	cmd.Stderr = errSlave
	// Ctty names the child's fd 1, the stdout pty slave; fd 0 is /dev/null.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 1}

	if err := cmd.Start(); err != nil {
		outSlave.Close()
		errSlave.Close()
		return Result{}, err
	}
	// The child holds the slave ends open now; the parent's copies would
	// otherwise keep the master side from ever seeing EOF/EIO.
	outSlave.Close()
	errSlave.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	var stdoutLines, stderrLines []string
	go func() {
		defer wg.Done()
		stdoutLines = r.drain(outMaster, os.Stdout, prefix, sink)
	}()
	go func() {
		defer wg.Done()
		stderrLines = r.drain(errMaster, os.Stderr, prefix, sink)
	}()
	wg.Wait()

	err = cmd.Wait()
	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		exitCode = 0
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		return Result{Stdout: stdoutLines, Stderr: stderrLines}, err
	}

	return Result{ExitCode: exitCode, Stdout: stdoutLines, Stderr: stderrLines}, nil
}

// drain reads from a pty master until it hits EOF or EIO (the latter is
// how Linux reports "slave side closed" on a pty, and is the expected,
// non-error end of stream here, exactly as in the Python original).
// Every line is ANSI-stripped and carriage-return-trimmed before being
// appended and handed to sink; when PassThrough is set the raw bytes are
// also copied unmodified to passthroughDst.
func (r *Runner) drain(master *os.File, passthroughDst io.Writer, prefix string, sink Sink) []string {
	var lines []string
	var tee io.Reader = master
	if r.PassThrough {
		tee = io.TeeReader(master, passthroughDst)
	}

	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stripANSI(scanner.Text())
		lines = append(lines, line)
		if sink != nil {
			sink(prefix, line)
		}
	}
	if err := scanner.Err(); err != nil && !isEIO(err) && !errors.Is(err, io.EOF) {
		slog.Warn("procrunner: pty read error", "err", err)
	}
	return lines
}

func stripANSI(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return ansiEscape.ReplaceAllString(s, "")
}

// isEIO reports whether err is the EIO a pty master returns once its
// slave side has closed — the normal end-of-stream signal for a pty,
// not a real error.
func isEIO(err error) bool {
	return errors.Is(err, syscall.EIO)
}
