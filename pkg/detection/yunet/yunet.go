// Package yunet detects faces with OpenCV's YuNet model via gocv.
package yunet

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// ErrEmptyFrame is returned for frames that decode to an empty image.
var ErrEmptyFrame = errors.New("yunet: empty frame")

// Config holds detector configuration
type Config struct {
	ModelPath      string  // Path to ONNX model
	ScoreThreshold float64 // Minimum confidence (default 0.5)
	NMSThreshold   float64 // Non-maximum suppression overlap
	TopK           int     // Candidates kept before NMS
	InputWidth     int     // Initial model input width
	InputHeight    int     // Initial model input height

	// MinFaceSize drops faces narrower than this fraction of the frame
	// width. 0 keeps every face.
	MinFaceSize float64
}

// DefaultConfig returns production defaults for YuNet
func DefaultConfig() Config {
	return Config{
		ModelPath:      "models/face_detection_yunet.onnx",
		ScoreThreshold: 0.5,
		NMSThreshold:   0.3,
		TopK:           5000,
		InputWidth:     320,
		InputHeight:    320,
	}
}

// Detector uses OpenCV's FaceDetectorYN for face detection
type Detector struct {
	detector gocv.FaceDetectorYN
	config   Config
	mu       sync.Mutex // Protects inference
}

var _ detection.Detector = (*Detector)(nil)

// New creates a YuNet detector. The model file must exist.
func New(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("yunet: model file: %w", err)
	}

	d := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"", // no config file for ONNX
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ScoreThreshold),
		float32(cfg.NMSThreshold),
		cfg.TopK,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &Detector{detector: d, config: cfg}, nil
}

// Detect finds faces in a raw BGR24 or Gray8 frame.
func (d *Detector) Detect(f frame.Frame) ([]detection.FaceBox, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	img, err := toBGR(f)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if img.Empty() {
		return nil, ErrEmptyFrame
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	imgW := float64(img.Cols())
	imgH := float64(img.Rows())

	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()

	d.detector.Detect(img, &faces)

	var boxes []detection.FaceBox
	for r := 0; r < faces.Rows(); r++ {
		// YuNet rows: 0-3 box in pixels, 4-13 landmarks, 14 score
		box := detection.FaceBox{
			X:          float64(faces.GetFloatAt(r, 0)) / imgW,
			Y:          float64(faces.GetFloatAt(r, 1)) / imgH,
			Width:      float64(faces.GetFloatAt(r, 2)) / imgW,
			Height:     float64(faces.GetFloatAt(r, 3)) / imgH,
			Confidence: float64(faces.GetFloatAt(r, 14)),
		}
		if !box.Valid() || box.Width < d.config.MinFaceSize {
			continue
		}
		boxes = append(boxes, box)
	}

	return boxes, nil
}

// toBGR wraps the frame buffer in a 3-channel Mat.
func toBGR(f frame.Frame) (gocv.Mat, error) {
	switch f.Format {
	case frame.BGR24:
		n := f.Width * f.Height * 3
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data[:n])
	case frame.Gray8:
		n := f.Width * f.Height
		gray, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, f.Data[:n])
		if err != nil {
			return gocv.NewMat(), err
		}
		defer gray.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR)
		return bgr, nil
	default:
		return gocv.NewMat(), fmt.Errorf("yunet: unsupported format %s", f.Format)
	}
}

// Close releases the detector resources
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
