// Package yolo detects faces with a YOLOv8-style ONNX model (for example
// yolov8n-face) through the OpenCV DNN module.
package yolo

import (
	"errors"
	"fmt"
	"image"
	"os"
	"slices"
	"sync"

	"gocv.io/x/gocv"

	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
)

// ErrEmptyOutput is returned when the network produces no tensor.
var ErrEmptyOutput = errors.New("yolo: empty network output")

// Config holds detector configuration
type Config struct {
	ModelPath        string
	ConfidenceThresh float32
	NMSThresh        float32
	InputWidth       int
	InputHeight      int

	// NumClasses is the number of class score rows after the 4 box rows.
	// Face models have 1; rows past 4+NumClasses (landmarks) are ignored.
	NumClasses int

	// FaceClasses lists the class IDs reported as faces.
	FaceClasses []int
}

// DefaultConfig returns defaults for a single-class YOLOv8 face model.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n-face.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
		NumClasses:       1,
		FaceClasses:      []int{0},
	}
}

// Detector runs a YOLOv8 network on each frame
type Detector struct {
	net       gocv.Net
	config    Config
	mu        sync.Mutex
	inputSize image.Point
}

var _ detection.Detector = (*Detector)(nil)

// New loads the ONNX model.
func New(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("yolo: model file: %w", err)
	}
	if cfg.NumClasses < 1 {
		return nil, errors.New("yolo: NumClasses must be at least 1")
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("yolo: failed to load model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &Detector{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Detect finds faces in a BGR24 or Gray8 frame.
func (d *Detector) Detect(f frame.Frame) ([]detection.FaceBox, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img, err := toBGR(f)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	if output.Empty() {
		return nil, ErrEmptyOutput
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("yolo: read output: %w", err)
	}

	// Output is [1, rows, anchors]: rows = 4 box + classes (+ landmarks).
	sizes := output.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("yolo: unexpected output shape %v", sizes)
	}
	cands := decode(data, sizes[1], sizes[2], d.config)
	return d.suppress(cands), nil
}

// candidate is a box in model input pixels before NMS.
type candidate struct {
	box   image.Rectangle
	score float32
	class int
}

// decode reads a channel-major YOLOv8 tensor with rows x anchors values.
func decode(data []float32, rows, anchors int, cfg Config) []candidate {
	scoreRows := min(cfg.NumClasses, rows-4)
	if scoreRows < 1 || len(data) < rows*anchors {
		return nil
	}

	var out []candidate
	for i := 0; i < anchors; i++ {
		best, class := float32(0), 0
		for c := 0; c < scoreRows; c++ {
			if s := data[(4+c)*anchors+i]; s > best {
				best, class = s, c
			}
		}
		if best < cfg.ConfidenceThresh || !slices.Contains(cfg.FaceClasses, class) {
			continue
		}

		cx := data[0*anchors+i]
		cy := data[1*anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]
		out = append(out, candidate{
			box:   image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)),
			score: best,
			class: class,
		})
	}
	return out
}

// suppress applies NMS and normalizes boxes to the input size. The blob is
// stretched to the input size, so input-relative coordinates are also
// frame-relative.
func (d *Detector) suppress(cands []candidate) []detection.FaceBox {
	if len(cands) == 0 {
		return nil
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i], scores[i] = c.box, c.score
	}

	inW, inH := float64(d.config.InputWidth), float64(d.config.InputHeight)
	var faces []detection.FaceBox
	for _, idx := range gocv.NMSBoxes(boxes, scores, d.config.ConfidenceThresh, d.config.NMSThresh) {
		faces = append(faces, normalize(boxes[idx], scores[idx], inW, inH))
	}
	return faces
}

func normalize(r image.Rectangle, score float32, w, h float64) detection.FaceBox {
	return detection.FaceBox{
		X:          float64(r.Min.X) / w,
		Y:          float64(r.Min.Y) / h,
		Width:      float64(r.Dx()) / w,
		Height:     float64(r.Dy()) / h,
		Confidence: float64(score),
	}
}

func toBGR(f frame.Frame) (gocv.Mat, error) {
	switch f.Format {
	case frame.BGR24:
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data[:f.Width*f.Height*3])
	case frame.Gray8:
		gray, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, f.Data[:f.Width*f.Height])
		if err != nil {
			return gocv.NewMat(), err
		}
		defer gray.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR)
		return bgr, nil
	default:
		return gocv.NewMat(), fmt.Errorf("yolo: unsupported format %s", f.Format)
	}
}

// Close releases the detector resources
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
