// Package backend opens a face detector by name.
package backend

import (
	"fmt"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection/yolo"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection/yunet"
)

// Detector names.
const (
	YuNet = "yunet"
	YOLO  = "yolo"
)

// Names lists the selectable detectors.
var Names = []string{YuNet, YOLO}

// Options selects and tunes a detector. Zero values keep the backend's
// defaults.
type Options struct {
	Name        string
	ModelPath   string
	Score       float64
	MinFaceSize float64
}

// Open creates the named detector.
func Open(o Options) (detection.Detector, error) {
	switch o.Name {
	case YuNet, "":
		cfg := yunet.DefaultConfig()
		if o.ModelPath != "" {
			cfg.ModelPath = o.ModelPath
		}
		if o.Score > 0 {
			cfg.ScoreThreshold = o.Score
		}
		cfg.MinFaceSize = o.MinFaceSize
		d, err := yunet.New(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil

	case YOLO:
		cfg := yolo.DefaultConfig()
		if o.ModelPath != "" {
			cfg.ModelPath = o.ModelPath
		}
		if o.Score > 0 {
			cfg.ConfidenceThresh = float32(o.Score)
		}
		d, err := yolo.New(cfg)
		if err != nil {
			return nil, err
		}
		if o.MinFaceSize > 0 {
			return detection.MinWidth(d, o.MinFaceSize), nil
		}
		return d, nil

	default:
		return nil, fmt.Errorf("backend: unknown detector %q (want one of %v)", o.Name, Names)
	}
}
