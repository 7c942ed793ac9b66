// detect runs the frame decision signals on a single image: mean
// luminance against the threshold and face boxes from the chosen detector.
//
// Usage:
//
//	detect [-detector yunet|yolo] [-model path] [-threshold 140] [-json] image.jpg
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gocv.io/x/gocv"

	"github.com/sharmahdk13s/go-facecapture/internal/config"
	"github.com/sharmahdk13s/go-facecapture/internal/log"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection"
	"github.com/sharmahdk13s/go-facecapture/pkg/detection/backend"
	"github.com/sharmahdk13s/go-facecapture/pkg/frame"
	"github.com/sharmahdk13s/go-facecapture/pkg/luminance"
)

type report struct {
	Image     string              `json:"image"`
	Width     int                 `json:"width"`
	Height    int                 `json:"height"`
	Mean      float64             `json:"mean"`
	Threshold float64             `json:"threshold"`
	Lit       bool                `json:"lit"`
	Faces     []detection.FaceBox `json:"faces"`
	Primary   *detection.FaceBox  `json:"primary,omitempty"`
	Elapsed   string              `json:"elapsed"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "detect: %v\n", err)
		os.Exit(1)
	}

	detector := flag.String("detector", cfg.Detector, "Face detector: "+fmt.Sprint(backend.Names))
	model := flag.String("model", cfg.ModelPath, "Detector ONNX model path (empty uses the detector default)")
	threshold := flag.Float64("threshold", cfg.Threshold, "Mean brightness (0-255) that counts as lit")
	score := flag.Float64("score", 0, "Minimum face confidence (0 uses the detector default)")
	asJSON := flag.Bool("json", false, "Print a JSON report")
	flag.Parse()

	log.Init(cfg.LogLevel)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: detect [flags] image")
		flag.PrintDefaults()
		os.Exit(2)
	}

	r, err := analyze(flag.Arg(0), backend.Options{Name: *detector, ModelPath: *model, Score: *score}, *threshold)
	if err != nil {
		log.Error("detect failed", "image", flag.Arg(0), "error", err)
		os.Exit(1)
	}

	if *asJSON {
		if err := writeJSON(os.Stdout, r); err != nil {
			log.Error("write report", "error", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("🖼️  %s (%dx%d)\n", r.Image, r.Width, r.Height)
	fmt.Printf("💡 mean %.1f vs %.0f → lit=%t\n", r.Mean, r.Threshold, r.Lit)
	fmt.Printf("🙂 %d face(s) in %s\n", len(r.Faces), r.Elapsed)
	for i, f := range r.Faces {
		fmt.Printf("   [%d] x=%.3f y=%.3f w=%.3f h=%.3f conf=%.2f\n", i, f.X, f.Y, f.Width, f.Height, f.Confidence)
	}
}

func writeJSON(w io.Writer, r report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func analyze(path string, opts backend.Options, threshold float64) (report, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return report{}, fmt.Errorf("cannot read image %s", path)
	}
	defer img.Close()

	f := frame.Frame{
		Seq:       1,
		Timestamp: time.Now(),
		Width:     img.Cols(),
		Height:    img.Rows(),
		Format:    frame.BGR24,
		Data:      img.ToBytes(),
	}

	mean, err := luminance.Mean(f.Data)
	if err != nil {
		return report{}, err
	}

	det, err := backend.Open(opts)
	if err != nil {
		return report{}, err
	}
	defer det.Close()

	start := time.Now()
	faces, err := det.Detect(f)
	if err != nil {
		return report{}, err
	}
	if faces == nil {
		faces = []detection.FaceBox{}
	}

	return report{
		Image:     path,
		Width:     f.Width,
		Height:    f.Height,
		Mean:      mean,
		Threshold: threshold,
		Lit:       mean > threshold,
		Faces:     faces,
		Primary:   detection.SelectBest(faces),
		Elapsed:   time.Since(start).Round(time.Microsecond).String(),
	}, nil
}
