package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bryanchriswhite/portalrec/internal/logger"
)

// Subprocess launches pipelines with gst-launch-1.0, keeping GStreamer out
// of this process. The remote fd is passed as the child's fd 3.
type Subprocess struct {
	Binary string
	// Grace is how long the child must survive to count as activated
	Grace time.Duration
}

// NewSubprocess creates a gst-launch-1.0 launcher
func NewSubprocess() *Subprocess {
	return &Subprocess{
		Binary: "gst-launch-1.0",
		Grace:  750 * time.Millisecond,
	}
}

// Name returns the launcher name
func (s *Subprocess) Name() string {
	return "subprocess"
}

// RemoteFD is 3: ExtraFiles[0] in the child
func (s *Subprocess) RemoteFD(remote *os.File) int {
	return 3
}

// Launch starts gst-launch-1.0 -e with the description. -e turns SIGINT into
// EOS so the muxer finalizes the file on Stop. The parent's copy of remote is
// closed once the child holds it.
func (s *Subprocess) Launch(ctx context.Context, description string, remote *os.File) (Pipeline, error) {
	log := logger.WithComponent("gst-subprocess")

	args := append([]string{"-e", "-q"}, splitDescription(description)...)
	cmd := exec.Command(s.Binary, args...)
	if remote != nil {
		cmd.ExtraFiles = []*os.File{remote}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.Binary, err)
	}
	if remote != nil {
		remote.Close()
	}

	p := &subprocessPipeline{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.wait(stderr)

	select {
	case <-p.done:
		return nil, fmt.Errorf("%s exited during startup: %s", s.Binary, p.describeExit())
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	case <-time.After(s.Grace):
	}

	log.Info().Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")
	return p, nil
}

// splitDescription breaks a description into gst-launch argv tokens.
// gst-launch escapes unquoted spaces inside each argument, so every element
// and property needs its own token. Double-quoted runs stay in one token with
// their quotes and escapes intact.
func splitDescription(description string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range description {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quoted && r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			quoted = !quoted
		case !quoted && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

type subprocessPipeline struct {
	cmd     *exec.Cmd
	done    chan struct{}
	mu      sync.Mutex
	err     error
	tail    []string
	stopped bool
}

const stderrTailLines = 8

// wait drains stderr, then reaps the child. All reads from the pipe must
// complete before Wait.
func (p *subprocessPipeline) wait(stderr io.Reader) {
	log := logger.WithComponent("gst-subprocess")

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[1:]
		}
		p.mu.Unlock()
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *subprocessPipeline) describeExit() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := "exit status 0"
	if p.err != nil {
		status = p.err.Error()
	}
	if len(p.tail) == 0 {
		return status
	}
	return status + ": " + strings.Join(p.tail, "; ")
}

func (p *subprocessPipeline) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}

// Stop sends SIGINT and waits for the muxer to finalize, killing the child
// if ctx expires first.
func (p *subprocessPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return p.Err()
	default:
	}

	log := logger.WithComponent("gst-subprocess")
	log.Debug().Int("pid", p.cmd.Process.Pid).Msg("Interrupting GStreamer subprocess")
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		p.kill()
		return nil
	}

	select {
	case <-p.done:
		log.Info().Msg("GStreamer subprocess stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("GStreamer subprocess did not finish in time, killing")
		p.kill()
		return ctx.Err()
	}
}

func (p *subprocessPipeline) Done() <-chan struct{} {
	return p.done
}

func (p *subprocessPipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
