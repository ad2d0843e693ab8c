// Package gst runs capture pipelines in-process through the GStreamer
// bindings. It is kept apart from package capture so that only the binary
// links against libgstreamer.
package gst

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bryanchriswhite/portalrec/internal/capture"
	"github.com/bryanchriswhite/portalrec/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
)

var initOnce sync.Once

// Launcher implements capture.Launcher with gst.NewPipelineFromString
type Launcher struct{}

// NewLauncher creates an in-process launcher
func NewLauncher() *Launcher {
	return &Launcher{}
}

// Name returns the launcher name
func (l *Launcher) Name() string {
	return "gst"
}

// RemoteFD is the fd as numbered in this process
func (l *Launcher) RemoteFD(remote *os.File) int {
	if remote == nil {
		return -1
	}
	return int(remote.Fd())
}

// Launch parses the description and moves the pipeline to PLAYING
func (l *Launcher) Launch(ctx context.Context, description string, remote *os.File) (capture.Pipeline, error) {
	initOnce.Do(func() { gst.Init(nil) })

	log := logger.WithComponent("gst")

	pipeline, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	p := &Pipeline{
		pipeline: pipeline,
		remote:   remote,
		done:     make(chan struct{}),
		stopChan: make(chan struct{}),
	}
	go p.pollBus()

	log.Info().Msg("GStreamer pipeline started")
	return p, nil
}

// Pipeline is a running in-process pipeline
type Pipeline struct {
	pipeline *gst.Pipeline
	remote   *os.File
	done     chan struct{}
	stopChan chan struct{}
	mu       sync.Mutex
	err      error
	stopOnce sync.Once
	doneOnce sync.Once
}

// pollBus polls for ERROR and EOS messages (avoids a GLib main loop)
func (p *Pipeline) pollBus() {
	log := logger.WithComponent("gst")
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	bus := p.pipeline.GetPipelineBus()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			msg := bus.PopFiltered(gst.MessageError | gst.MessageEOS)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageError:
				gerr := msg.ParseError()
				log.Error().Str("error", gerr.Error()).Msg("GStreamer pipeline error")
				p.finish(fmt.Errorf("pipeline error: %s", gerr.Error()))
			case gst.MessageEOS:
				log.Debug().Msg("GStreamer pipeline reached EOS")
				p.finish(nil)
			}
			return
		}
	}
}

func (p *Pipeline) finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Stop sends EOS so the muxer writes its trailer, waits for it, then sets
// the pipeline to NULL.
func (p *Pipeline) Stop(ctx context.Context) error {
	var stopErr error
	p.stopOnce.Do(func() {
		log := logger.WithComponent("gst")

		select {
		case <-p.done:
		default:
			p.pipeline.SendEvent(gst.NewEOSEvent())
			select {
			case <-p.done:
			case <-ctx.Done():
				log.Warn().Msg("Timed out waiting for EOS")
				close(p.stopChan)
				p.finish(ctx.Err())
				stopErr = ctx.Err()
			}
		}

		p.pipeline.SetState(gst.StateNull)
		if p.remote != nil {
			p.remote.Close()
		}
		log.Info().Msg("GStreamer pipeline stopped")
	})
	return stopErr
}

// Done is closed on ERROR or EOS
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err is nil after a clean EOS
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
