package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// HTTPDetector calls an external model-serving endpoint over HTTP. The
// model itself (a pretrained detector) is opaque to this service; the
// adapter only speaks the wire contract below.
type HTTPDetector struct {
	inferenceURL string
	client       *http.Client
}

// NewHTTPDetector creates an adapter for the given inference endpoint.
func NewHTTPDetector(inferenceURL string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDetector{
		inferenceURL: inferenceURL,
		client:       &http.Client{Timeout: timeout},
	}
}

type wireDetection struct {
	X          int      `json:"x"`
	Y          int      `json:"y"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Class      string   `json:"class"`
	Confidence *float64 `json:"confidence"`
}

type wireResponse struct {
	Detections  []wireDetection `json:"detections"`
	ImageWidth  int             `json:"image_width"`
	ImageHeight int             `json:"image_height"`
}

// Detect uploads the image as multipart form data and decodes the
// detection list. Non-200 responses are reported as-is so the caller can
// surface a service-unavailable condition without touching the aggregator.
func (d *HTTPDetector) Detect(ctx context.Context, imageData []byte) (*Result, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(imageData)); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &Result{
		Detections:  make([]Detection, 0, len(wire.Detections)),
		ImageWidth:  wire.ImageWidth,
		ImageHeight: wire.ImageHeight,
	}

	imageArea := wire.ImageWidth * wire.ImageHeight
	for _, w := range wire.Detections {
		det := Detection{
			Class:      w.Class,
			Confidence: w.Confidence,
		}
		if w.Width > 0 && w.Height > 0 {
			box := BoundingBox{X: w.X, Y: w.Y, Width: w.Width, Height: w.Height}
			det.Box = &box
			if imageArea > 0 {
				ratio := float64(box.Area()) / float64(imageArea)
				if ratio > 1 {
					ratio = 1
				}
				det.AreaRatio = ratio
			}
		}
		result.Detections = append(result.Detections, det)
	}

	return result, nil
}

// CheckHealth probes the inference service.
func (d *HTTPDetector) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.inferenceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
