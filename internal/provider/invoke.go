package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// MaxCaptureBytes caps each captured stream. Output past the cap is
	// dropped from the capture but still counts as timer activity.
	MaxCaptureBytes = 2 << 20

	// DefaultInvocationTimeout is the activity-reset timeout used when
	// the caller does not set one.
	DefaultInvocationTimeout = 10 * time.Minute

	termGrace = 5 * time.Second
	killGrace = 5 * time.Second
)

// cappedBuffer captures up to max bytes and silently drops the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// invokeCLI runs one provider CLI invocation with the full harness: a
// 0600 prompt file, an isolated home, a sanitized environment, capped
// output capture, and an activity-reset timeout. All failures land in
// the Result; the error return is reserved for caller bugs.
func invokeCLI(ctx context.Context, cli, prompt string, opts InvokeOptions, argvBuilder func(promptFile string) []string, extraEnv map[string]string) (*Result, error) {
	start := time.Now()
	res := &Result{ExitCode: -1}
	fail := func(stage string, err error) (*Result, error) {
		res.Stderr = stage + ": " + err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res, nil
	}

	promptFile := opts.PromptFile
	if promptFile == "" {
		f, err := os.CreateTemp("", "steroids-prompt-*.md")
		if err != nil {
			return fail("create prompt file", err)
		}
		promptFile = f.Name()
		defer func() { _ = os.Remove(promptFile) }()
		if err := f.Chmod(0o600); err != nil {
			_ = f.Close()
			return fail("chmod prompt file", err)
		}
		if _, err := f.WriteString(prompt); err != nil {
			_ = f.Close()
			return fail("write prompt file", err)
		}
		if err := f.Close(); err != nil {
			return fail("close prompt file", err)
		}
	}

	realHome, err := os.UserHomeDir()
	if err != nil {
		return fail("resolve home", err)
	}
	home, err := newIsolatedHome(realHome)
	if err != nil {
		return fail("isolate home", err)
	}
	defer home.Close()

	argv := argvBuilder(promptFile)
	if len(argv) == 0 {
		return fail("build argv", fmt.Errorf("empty invocation template"))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = sanitizedEnv(home.Path, extraEnv)
	setProcAttr(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fail("stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fail("stderr pipe", err)
	}

	var logFile *os.File
	if opts.LogPath != "" {
		logFile, err = os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fail("open invocation log", err)
		}
		defer func() { _ = logFile.Close() }()
	}

	if err := cmd.Start(); err != nil {
		return fail("start "+argv[0], err)
	}
	pid := cmd.Process.Pid

	activity := make(chan struct{}, 64)
	ping := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	var stdout, stderr cappedBuffer
	stdout.max = MaxCaptureBytes
	stderr.max = MaxCaptureBytes
	stream := &streamState{}
	var streamMu sync.Mutex

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdoutPipe, func(line []byte) {
			ping()
			_, _ = stdout.Write(append(line, '\n'))
			if logFile != nil {
				_, _ = logFile.Write(append(line, '\n'))
			}
			if opts.StreamOutput {
				streamMu.Lock()
				stream.consumeLine(line, opts.OnActivity)
				streamMu.Unlock()
			}
		})
	}()
	go func() {
		defer readers.Done()
		copyChunks(stderrPipe, &stderr, ping)
	}()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultInvocationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	finish := func(waitErr error, timedOut bool) *Result {
		res.TimedOut = timedOut
		res.DurationMs = time.Since(start).Milliseconds()
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		streamMu.Lock()
		res.SessionID = stream.sessionID
		res.TokenUsage = stream.usage
		streamMu.Unlock()
		if waitErr == nil {
			res.Success = !timedOut
			res.ExitCode = 0
			return res
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if res.Stderr == "" {
			res.Stderr = waitErr.Error()
		}
		return res
	}

	for {
		select {
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

		case waitErr := <-done:
			return finish(waitErr, false), nil

		case <-ctx.Done():
			return reap(pid, done, finish), nil

		case <-timer.C:
			return reap(pid, done, finish), nil
		}
	}
}

// reap escalates SIGTERM, then SIGKILL after a grace period, then hard
// resolves as timed out if the child still refuses to die.
func reap(pid int, done <-chan error, finish func(error, bool) *Result) *Result {
	terminateGroup(pid)
	select {
	case waitErr := <-done:
		return finish(waitErr, true)
	case <-time.After(termGrace):
	}

	killGroup(pid)
	select {
	case waitErr := <-done:
		return finish(waitErr, true)
	case <-time.After(killGrace):
		// The child is unkillable; resolve anyway so the loop moves on.
		return finish(fmt.Errorf("process %d did not exit after SIGKILL", pid), true)
	}
}

// scanLines reads newline-delimited output, tolerating very long lines.
func scanLines(r io.Reader, fn func(line []byte)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		fn(line)
	}
}

// copyChunks streams raw chunks into w, pinging the activity channel on
// every read.
func copyChunks(r io.Reader, w io.Writer, ping func()) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ping()
			_, _ = w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
