package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNoSource       = errors.New("capture target has neither a node id nor a remote fd")
	ErrAlreadyStarted = errors.New("capture already started")
)

// Target is what the portal negotiation produced: the stream's PipeWire node
// and, for the fd-mediated variant, a connection to the PipeWire remote.
type Target struct {
	NodeID  uint32
	HasNode bool
	Remote  *os.File
}

// NodeTarget references a stream by node id through the local PipeWire core
func NodeTarget(nodeID uint32) Target {
	return Target{NodeID: nodeID, HasNode: true}
}

// Validate checks that at least one way of reaching the stream is present
func (t Target) Validate() error {
	if !t.HasNode && t.Remote == nil {
		return ErrNoSource
	}
	return nil
}

// Stage names where a pipeline failed
type Stage string

const (
	StageBuild    Stage = "build"
	StageActivate Stage = "activate"
	StageRun      Stage = "run"
)

// PipelineError means the capture pipeline could not be built or started
type PipelineError struct {
	Stage       Stage
	Description string
	Err         error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Pipeline is a running capture pipeline. It runs independently of the
// negotiation until stopped or until it ends on its own.
type Pipeline interface {
	// Stop ends the stream so the muxer can finalize, then tears down
	Stop(ctx context.Context) error

	// Done is closed when the pipeline has exited
	Done() <-chan struct{}

	// Err is why the pipeline exited, valid once Done is closed
	Err() error
}

// Launcher is the media engine: it turns a description into a running
// pipeline.
type Launcher interface {
	// Name returns the launcher name (e.g., "gst", "subprocess")
	Name() string

	// RemoteFD returns the fd number the pipeline will see for remote
	RemoteFD(remote *os.File) int

	// Launch parses and activates description
	Launch(ctx context.Context, description string, remote *os.File) (Pipeline, error)
}
