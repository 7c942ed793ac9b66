package detection

import "github.com/sharmahdk13s/go-facecapture/pkg/frame"

type minWidth struct {
	Detector
	frac float64
}

// MinWidth wraps d so faces narrower than frac of the frame width are
// dropped.
func MinWidth(d Detector, frac float64) Detector {
	return &minWidth{Detector: d, frac: frac}
}

func (m *minWidth) Detect(f frame.Frame) ([]FaceBox, error) {
	faces, err := m.Detector.Detect(f)
	if err != nil {
		return nil, err
	}
	kept := faces[:0:0]
	for _, b := range faces {
		if b.Width >= m.frac {
			kept = append(kept, b)
		}
	}
	return kept, nil
}
