package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// FrameSource yields encoded still images from a camera.
type FrameSource interface {
	// Open acquires the device. Permission failures wrap ErrMediaUnavailable.
	Open(ctx context.Context) error
	Capture(ctx context.Context) ([]byte, error)
	Close() error
}

// SyntheticSource renders small JPEG test frames. It stands in for a camera
// in the headless candidate agent.
type SyntheticSource struct {
	Width, Height int
	Quality       int

	mu    sync.Mutex
	open  bool
	frame int
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{Width: 64, Height: 48, Quality: 60}
}

func (s *SyntheticSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrMediaUnavailable, s.Width, s.Height)
	}
	s.open = true
	return nil
}

func (s *SyntheticSource) Capture(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrMediaUnavailable
	}
	s.frame++

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	shift := s.frame * 4
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x*4 + shift), G: uint8(y * 5), B: uint8(shift), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}
