// Package detection defines the damage detection contract.
// Inference itself is delegated to a pretrained model behind the Detector
// interface; the rest of the system only consumes class labels, confidences,
// and bounding boxes.
package detection

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidInput marks a malformed detection record. Callers translate it
// into an invalid-input response; the core never computes over bad data.
var ErrInvalidInput = errors.New("invalid detection input")

// BoundingBox is a detected damage region in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels.
func (b BoundingBox) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Detection is a single damage instance reported by the model.
// Immutable once produced.
type Detection struct {
	Class      string       `json:"class"`
	Confidence *float64     `json:"confidence,omitempty"`
	Box        *BoundingBox `json:"box,omitempty"`

	// AreaRatio is the box area divided by the image area, in [0,1].
	// Zero when the adapter could not compute it.
	AreaRatio float64 `json:"area_ratio,omitempty"`
}

// Result is the output of one inference call.
type Result struct {
	Detections  []Detection `json:"detections"`
	ImageWidth  int         `json:"image_width"`
	ImageHeight int         `json:"image_height"`

	// Annotated is an optional JPEG with detection boxes drawn on the
	// input image. Adapters that cannot render leave it nil.
	Annotated []byte `json:"-"`
}

// Classes returns the raw class labels in detection order.
func (r *Result) Classes() []string {
	classes := make([]string, 0, len(r.Detections))
	for _, d := range r.Detections {
		classes = append(classes, d.Class)
	}
	return classes
}

// Detector runs damage detection on an encoded image.
type Detector interface {
	Detect(ctx context.Context, imageData []byte) (*Result, error)
}

// Validate checks a detection list for structural problems: empty class
// labels and confidences outside [0,1]. A nil or empty list is valid.
func Validate(detections []Detection) error {
	for i, d := range detections {
		if d.Class == "" {
			return fmt.Errorf("%w: detection %d has an empty class label", ErrInvalidInput, i)
		}
		if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
			return fmt.Errorf("%w: detection %d confidence %v outside [0,1]", ErrInvalidInput, i, *d.Confidence)
		}
		if d.AreaRatio < 0 || d.AreaRatio > 1 {
			return fmt.Errorf("%w: detection %d area ratio %v outside [0,1]", ErrInvalidInput, i, d.AreaRatio)
		}
	}
	return nil
}

// MinConfidence returns the lowest confidence among detections that carry
// one, and true if at least one did.
func MinConfidence(detections []Detection) (float64, bool) {
	lowest := 1.0
	found := false
	for _, d := range detections {
		if d.Confidence == nil {
			continue
		}
		if !found || *d.Confidence < lowest {
			lowest = *d.Confidence
		}
		found = true
	}
	return lowest, found
}
