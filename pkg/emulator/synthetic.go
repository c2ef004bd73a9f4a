package emulator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"
)

// Screen dimensions of the synthetic display.
const (
	ScreenWidth  = 240
	ScreenHeight = 160
)

var syntheticMagic = [4]byte{'S', 'Y', 'N', '1'}

const syntheticStateSize = 4 + 8 + 8 + 2

var syntheticPalette = color.Palette{
	color.RGBA{0x0f, 0x38, 0x0f, 0xff},
	color.RGBA{0x30, 0x62, 0x30, 0xff},
	color.RGBA{0x8b, 0xac, 0x0f, 0xff},
	color.RGBA{0x9b, 0xbc, 0x0f, 0xff},
	color.RGBA{0xe0, 0xf8, 0xd0, 0xff},
	color.RGBA{0xf8, 0x38, 0x38, 0xff},
}

// Synthetic is a deterministic emulator whose state is a frame counter,
// a step counter and the last button mask. Frames are a scrolling bar
// pattern with one lit cell per held button.
type Synthetic struct {
	framesPerAction int
	fault           func(step uint64) error
	now             func() time.Time

	mu     sync.Mutex
	frame  uint64
	steps  uint64
	mask   Button
	closed bool
}

// SyntheticOption configures a Synthetic emulator.
type SyntheticOption func(*Synthetic)

// WithFramesPerAction sets how many frames one Step advances.
func WithFramesPerAction(n int) SyntheticOption {
	return func(s *Synthetic) {
		if n > 0 {
			s.framesPerAction = n
		}
	}
}

// WithFault installs a hook consulted before every step. A non-nil
// return aborts the step with that error.
func WithFault(fn func(step uint64) error) SyntheticOption {
	return func(s *Synthetic) {
		s.fault = fn
	}
}

// WithClock overrides the observation timestamp source.
func WithClock(now func() time.Time) SyntheticOption {
	return func(s *Synthetic) {
		s.now = now
	}
}

// NewSynthetic creates a synthetic emulator at power-on state.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		framesPerAction: DefaultFramesPerAction,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Step implements Emulator.
func (s *Synthetic) Step(action Action) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return StepResult{}, ErrClosed
	}
	if s.fault != nil {
		if err := s.fault(s.steps + 1); err != nil {
			return StepResult{}, err
		}
	}

	s.mask = action.Mask
	s.frame += uint64(s.framesPerAction)
	s.steps++

	obs, err := s.render()
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Observation: obs}, nil
}

// Screenshot implements Emulator.
func (s *Synthetic) Screenshot() (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Observation{}, ErrClosed
	}
	return s.render()
}

// State implements Emulator.
func (s *Synthetic) State() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, syntheticStateSize)
	copy(buf, syntheticMagic[:])
	binary.BigEndian.PutUint64(buf[4:], s.frame)
	binary.BigEndian.PutUint64(buf[12:], s.steps)
	binary.BigEndian.PutUint16(buf[20:], uint16(s.mask))
	return buf, nil
}

// LoadState implements Emulator.
func (s *Synthetic) LoadState(state []byte) error {
	if len(state) != syntheticStateSize || !bytes.Equal(state[:4], syntheticMagic[:]) {
		return errors.New("synthetic: unrecognized state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.frame = binary.BigEndian.Uint64(state[4:])
	s.steps = binary.BigEndian.Uint64(state[12:])
	s.mask = Button(binary.BigEndian.Uint16(state[20:]))
	return nil
}

// Reset implements Emulator.
func (s *Synthetic) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.frame, s.steps, s.mask = 0, 0, 0
	return nil
}

// Close implements Emulator.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Frame returns the current frame counter.
func (s *Synthetic) Frame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *Synthetic) render() (Observation, error) {
	img := image.NewPaletted(image.Rect(0, 0, ScreenWidth, ScreenHeight), syntheticPalette)

	shift := int(s.frame % ScreenWidth)
	for y := 0; y < ScreenHeight; y++ {
		for x := 0; x < ScreenWidth; x++ {
			img.SetColorIndex(x, y, uint8(((x+shift)/30)%4))
		}
	}

	// One 16x16 cell per button along the top edge
	for i := 0; i < 8; i++ {
		if s.mask&(1<<i) == 0 {
			continue
		}
		x0 := 8 + i*28
		for y := 8; y < 24; y++ {
			for x := x0; x < x0+16; x++ {
				img.SetColorIndex(x, y, 5)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Observation{}, fmt.Errorf("encode frame: %w", err)
	}
	return Observation{PNG: buf.Bytes(), Timestamp: s.now().UTC()}, nil
}
