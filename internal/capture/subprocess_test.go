package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocessDefaults(t *testing.T) {
	s := NewSubprocess()
	assert.Equal(t, "gst-launch-1.0", s.Binary)
	assert.Equal(t, "subprocess", s.Name())
	assert.Equal(t, 3, s.RemoteFD(nil))
}

func TestSubprocessMissingBinary(t *testing.T) {
	s := &Subprocess{Binary: "portalrec-no-such-binary", Grace: 10 * time.Millisecond}

	_, err := s.Launch(context.Background(), "fakesrc ! fakesink", nil)
	assert.Error(t, err)
}

func TestSubprocessEarlyExitIsActivationFailure(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}
	s := &Subprocess{Binary: bin, Grace: 2 * time.Second}

	_, err = s.Launch(context.Background(), "fakesrc ! fakesink", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
}

func TestSubprocessStop(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-gst-launch")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0755))
	s := &Subprocess{Binary: script, Grace: 50 * time.Millisecond}

	p, err := s.Launch(context.Background(), "fakesrc ! fakesink", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not exit")
	}
}

func TestSplitDescription(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", "fakesrc ! fakesink", []string{"fakesrc", "!", "fakesink"}},
		{"properties", "pipewiresrc  fd=3\tpath=55 ! queue", []string{"pipewiresrc", "fd=3", "path=55", "!", "queue"}},
		{"quoted space", `filesink location="/tmp/my dir/out.webm"`, []string{"filesink", `location="/tmp/my dir/out.webm"`}},
		{"escaped quote", `filesink location="/tmp/a \"b\" c.webm"`, []string{"filesink", `location="/tmp/a \"b\" c.webm"`}},
		{"empty", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitDescription(tt.in))
		})
	}
}

func TestSplitDescriptionKeepsDescribeOutput(t *testing.T) {
	desc, err := DefaultPipelineConfig().Describe(NodeTarget(55), -1, "/tmp/my dir/out.webm")
	require.NoError(t, err)

	tokens := splitDescription(desc)
	assert.Equal(t, "pipewiresrc", tokens[0])
	assert.Equal(t, `location="/tmp/my dir/out.webm"`, tokens[len(tokens)-1])
	assert.Equal(t, desc, strings.Join(tokens, " "))
}

// argvLogger writes a fake gst-launch that records one argument per line
func argvLogger(t *testing.T) (bin, logPath string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "fake-gst-launch")
	logPath = filepath.Join(dir, "argv.log")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > '" + logPath + ".tmp'\nmv '" + logPath + ".tmp' '" + logPath + "'\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	return bin, logPath
}

func TestSubprocessPassesDescriptionAsArgv(t *testing.T) {
	bin, logPath := argvLogger(t)
	s := &Subprocess{Binary: bin, Grace: 50 * time.Millisecond}

	p, err := s.Launch(context.Background(), `pipewiresrc fd=3 ! queue ! filesink location="/tmp/my dir/out.webm"`, nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(logPath)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	argv := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		"-e", "-q",
		"pipewiresrc", "fd=3", "!", "queue", "!", "filesink",
		`location="/tmp/my dir/out.webm"`,
	}, argv)
}

func TestSubprocessClosesParentRemote(t *testing.T) {
	bin, _ := argvLogger(t)
	s := &Subprocess{Binary: bin, Grace: 50 * time.Millisecond}

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	p, err := s.Launch(context.Background(), "pipewiresrc fd=3 ! fakesink", r)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	}()

	// the child owns the fd now
	assert.ErrorIs(t, r.Close(), os.ErrClosed)
}
