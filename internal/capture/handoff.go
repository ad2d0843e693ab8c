package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bryanchriswhite/portalrec/internal/logger"
)

// Handoff turns a negotiated Target into a running recording. It starts at
// most one pipeline per process.
type Handoff struct {
	launcher Launcher
	cfg      PipelineConfig
	mu       sync.Mutex
	running  Pipeline
	sinkPath string
	started  bool
}

// NewHandoff creates a handoff that launches pipelines built from cfg
func NewHandoff(launcher Launcher, cfg PipelineConfig) *Handoff {
	return &Handoff{
		launcher: launcher,
		cfg:      cfg,
	}
}

// StartCapture builds and activates the pipeline writing to sinkPath. On
// failure the remote fd is closed and no empty output file is left behind.
func (h *Handoff) StartCapture(ctx context.Context, target Target, sinkPath string) (Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := logger.WithComponent("capture")

	if h.started {
		return nil, &PipelineError{Stage: StageBuild, Err: ErrAlreadyStarted}
	}
	h.started = true

	description, err := h.cfg.Describe(target, h.launcher.RemoteFD(target.Remote), sinkPath)
	if err != nil {
		closeRemote(target)
		return nil, &PipelineError{Stage: StageBuild, Err: err}
	}

	if dir := filepath.Dir(sinkPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			closeRemote(target)
			return nil, &PipelineError{Stage: StageBuild, Description: description, Err: fmt.Errorf("failed to create output directory: %w", err)}
		}
	}
	existed := fileExists(sinkPath)

	log.Debug().
		Str("launcher", h.launcher.Name()).
		Str("pipeline", description).
		Msg("Launching capture pipeline")

	pipeline, err := h.launcher.Launch(ctx, description, target.Remote)
	if err != nil {
		closeRemote(target)
		if !existed {
			removeIfEmpty(sinkPath)
		}
		return nil, &PipelineError{Stage: StageActivate, Description: description, Err: err}
	}

	h.running = pipeline
	h.sinkPath = sinkPath

	log.Info().
		Uint32("node_id", target.NodeID).
		Bool("remote_fd", target.Remote != nil).
		Str("output", sinkPath).
		Msg("Recording started")

	return pipeline, nil
}

// Running returns the active pipeline, if any
func (h *Handoff) Running() Pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stop stops the active pipeline
func (h *Handoff) Stop(ctx context.Context) error {
	h.mu.Lock()
	pipeline := h.running
	sinkPath := h.sinkPath
	h.running = nil
	h.mu.Unlock()

	if pipeline == nil {
		return nil
	}

	err := pipeline.Stop(ctx)
	if removeIfEmpty(sinkPath) {
		logger.WithComponent("capture").Warn().Str("output", sinkPath).Msg("Removed empty recording")
	}
	if err != nil {
		return &PipelineError{Stage: StageRun, Err: err}
	}
	logger.WithComponent("capture").Info().Str("output", sinkPath).Msg("Recording stopped")
	return nil
}

func closeRemote(target Target) {
	if target.Remote != nil {
		target.Remote.Close()
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// removeIfEmpty deletes a zero-byte regular file
func removeIfEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != 0 {
		return false
	}
	return os.Remove(path) == nil
}
