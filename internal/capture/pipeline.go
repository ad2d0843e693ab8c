package capture

import (
	"errors"
	"fmt"
	"strings"
)

// PipelineConfig declares the capture topology. The source element is
// chosen from the Target; everything downstream comes from here.
type PipelineConfig struct {
	Framerate    int      `json:"framerate" yaml:"framerate" validate:"min=1,max=240"`
	KeepaliveMS  int      `json:"keepalive_ms" yaml:"keepalive_ms" validate:"min=0"`
	Convert      []string `json:"convert" yaml:"convert"`
	Encoder      string   `json:"encoder" yaml:"encoder" validate:"required"`
	EncoderProps []string `json:"encoder_props" yaml:"encoder_props"`
	Muxer        string   `json:"muxer" yaml:"muxer" validate:"required"`
}

// DefaultPipelineConfig is a 30fps realtime VP8/WebM recording
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Framerate:   30,
		KeepaliveMS: 1000,
		Convert: []string{
			"chroma-mode=none",
			"dither=none",
			"matrix-mode=output-only",
		},
		Encoder: "vp8enc",
		EncoderProps: []string{
			"cpu-used=16",
			"max-quantizer=17",
			"deadline=1",
			"keyframe-mode=disabled",
			"threads=8",
			"static-threshold=1000",
			"buffer-size=20000",
		},
		Muxer: "webmmux",
	}
}

// Describe renders a gst-launch style description:
// source ! videorate ! caps ! videoconvert ! queue ! encoder ! queue ! muxer ! filesink
func (c PipelineConfig) Describe(target Target, remoteFD int, sinkPath string) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	if sinkPath == "" {
		return "", errors.New("empty output path")
	}
	if c.Framerate <= 0 {
		return "", fmt.Errorf("invalid framerate %d", c.Framerate)
	}
	if c.Encoder == "" || c.Muxer == "" {
		return "", errors.New("encoder and muxer are required")
	}

	source := []string{"pipewiresrc", "do-timestamp=true"}
	if c.KeepaliveMS > 0 {
		source = append(source, fmt.Sprintf("keepalive-time=%d", c.KeepaliveMS))
	}
	if target.Remote != nil {
		source = append(source, fmt.Sprintf("fd=%d", remoteFD))
	}
	if target.HasNode {
		source = append(source, fmt.Sprintf("path=%d", target.NodeID))
	}

	stages := []string{
		strings.Join(source, " "),
		"videorate",
		fmt.Sprintf("video/x-raw,framerate=%d/1", c.Framerate),
		element("videoconvert", c.Convert),
		"queue",
		element(c.Encoder, c.EncoderProps),
		"queue",
		c.Muxer,
		"filesink location=" + quoteValue(sinkPath),
	}
	return strings.Join(stages, " ! "), nil
}

func element(name string, props []string) string {
	if len(props) == 0 {
		return name
	}
	return name + " " + strings.Join(props, " ")
}

// quoteValue quotes a property value for the gst-launch parser
func quoteValue(v string) string {
	if !strings.ContainsAny(v, " \t\"'\\!") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
