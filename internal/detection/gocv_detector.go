//go:build gocv
// +build gocv

package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"gocv.io/x/gocv"
)

// GoCVDetector runs the pretrained ONNX damage model in-process via the
// OpenCV DNN module. Built only with the gocv tag; the default build uses
// the HTTP adapter instead.
type GoCVDetector struct {
	net           gocv.Net
	classNames    []string
	inputSize     int
	confThreshold float32
	nmsThreshold  float32
}

// NewGoCVDetector loads the ONNX model from disk. classNames maps model
// output indices to damage class labels.
func NewGoCVDetector(modelPath string, classNames []string) (*GoCVDetector, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load onnx model %s: empty network", modelPath)
	}
	return &GoCVDetector{
		net:           net,
		classNames:    classNames,
		inputSize:     640,
		confThreshold: 0.35,
		nmsThreshold:  0.45,
	}, nil
}

// Close releases the network.
func (d *GoCVDetector) Close() error {
	return d.net.Close()
}

// Detect decodes the image, runs a forward pass, and post-processes the
// model output (boxes + class scores) with NMS.
func (d *GoCVDetector) Detect(ctx context.Context, imageData []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.IMDecode(imageData, gocv.IMReadColor)
	if err != nil || mat.Empty() {
		if !mat.Empty() {
			mat.Close()
		}
		return nil, fmt.Errorf("%w: failed to decode image", ErrInvalidInput)
	}
	defer mat.Close()

	origW, origH := mat.Cols(), mat.Rows()

	blob := gocv.BlobFromImage(mat, 1.0/255.0,
		image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	boxes, scores, classIDs, err := d.decodeOutput(output, origW, origH)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Detections:  make([]Detection, 0, len(boxes)),
		ImageWidth:  origW,
		ImageHeight: origH,
	}

	if len(boxes) > 0 {
		indices := gocv.NMSBoxes(boxes, scores, d.confThreshold, d.nmsThreshold)
		imageArea := origW * origH
		for _, idx := range indices {
			rect := boxes[idx]
			conf := float64(scores[idx])
			box := BoundingBox{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			}
			det := Detection{
				Class:      d.className(classIDs[idx]),
				Confidence: &conf,
				Box:        &box,
			}
			if imageArea > 0 {
				det.AreaRatio = float64(box.Area()) / float64(imageArea)
				if det.AreaRatio > 1 {
					det.AreaRatio = 1
				}
			}
			result.Detections = append(result.Detections, det)
		}
	}

	annotated, err := d.annotate(mat, result.Detections)
	if err == nil {
		result.Annotated = annotated
	}
	return result, nil
}

// decodeOutput parses the [1, 4+numClasses, anchors] tensor: center box
// coordinates in model space followed by per-class scores.
func (d *GoCVDetector) decodeOutput(output gocv.Mat, origW, origH int) ([]image.Rectangle, []float32, []int, error) {
	dims := output.Size()
	if len(dims) != 3 {
		return nil, nil, nil, errors.New("unexpected model output shape")
	}
	channels, anchors := dims[1], dims[2]
	if channels < 5 {
		return nil, nil, nil, errors.New("model output has no class channels")
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read model output: %w", err)
	}
	at := func(ch, anchor int) float32 { return data[ch*anchors+anchor] }

	scaleX := float32(origW) / float32(d.inputSize)
	scaleY := float32(origH) / float32(d.inputSize)

	var boxes []image.Rectangle
	var scores []float32
	var classIDs []int

	for a := 0; a < anchors; a++ {
		bestScore := float32(0)
		bestClass := -1
		for c := 4; c < channels; c++ {
			if s := at(c, a); s > bestScore {
				bestScore = s
				bestClass = c - 4
			}
		}
		if bestScore < d.confThreshold || bestClass < 0 {
			continue
		}

		cx, cy := at(0, a), at(1, a)
		w, h := at(2, a), at(3, a)
		x := (cx - w/2) * scaleX
		y := (cy - h/2) * scaleY
		boxes = append(boxes, image.Rect(int(x), int(y), int(x+w*scaleX), int(y+h*scaleY)))
		scores = append(scores, bestScore)
		classIDs = append(classIDs, bestClass)
	}

	return boxes, scores, classIDs, nil
}

func (d *GoCVDetector) className(id int) string {
	if id >= 0 && id < len(d.classNames) {
		return d.classNames[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// annotate draws detection boxes and re-encodes as JPEG.
func (d *GoCVDetector) annotate(mat gocv.Mat, detections []Detection) ([]byte, error) {
	canvas := mat.Clone()
	defer canvas.Close()

	box := color.RGBA{R: 0, G: 200, B: 255, A: 255}
	for _, det := range detections {
		if det.Box == nil {
			continue
		}
		rect := image.Rect(det.Box.X, det.Box.Y,
			det.Box.X+det.Box.Width, det.Box.Y+det.Box.Height)
		gocv.Rectangle(&canvas, rect, box, 2)
	}

	img, err := canvas.ToImage()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
