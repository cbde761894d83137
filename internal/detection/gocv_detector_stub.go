//go:build !gocv
// +build !gocv

package detection

import (
	"context"
	"errors"
)

// GoCVDetector is the stub compiled without the gocv tag. Deployments that
// want in-process inference build with -tags gocv; everything else uses the
// HTTP adapter.
type GoCVDetector struct{}

// NewGoCVDetector reports that the binary was built without gocv support.
func NewGoCVDetector(modelPath string, classNames []string) (*GoCVDetector, error) {
	_ = modelPath
	_ = classNames
	return nil, errors.New("gocv build tag is not enabled")
}

// Close is a no-op on the stub.
func (d *GoCVDetector) Close() error { return nil }

// Detect always fails on the stub.
func (d *GoCVDetector) Detect(ctx context.Context, imageData []byte) (*Result, error) {
	_ = ctx
	_ = imageData
	return nil, errors.New("gocv build tag is not enabled")
}
