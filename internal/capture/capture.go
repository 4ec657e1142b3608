// Package capture grabs the desktop image as a BGRA bitmap on demand.
//
// Frames come from one of two paths: DXGI Desktop Duplication (GPU-backed,
// preferred) or a GDI BitBlt copy (CPU fallback). The engine re-initializes
// its GPU resources after hard failures and display topology changes, and
// attaches each capture attempt to the active input desktop so capture keeps
// working across lock screens, UAC prompts, and RDP session switches.
package capture

import (
	"errors"
	"image"
	"time"
)

// ErrNotSupported is returned when screen capture is not supported on the platform.
var ErrNotSupported = errors.New("screen capture not supported on this platform")

// ErrDesktopAccess is returned when the OS denies desktop-switch rights.
// It is fatal for the current capture attempt only, never for the engine.
var ErrDesktopAccess = errors.New("input desktop access denied")

// ErrNoDisplays is returned when no display outputs are attached.
var ErrNoDisplays = errors.New("no displays found")

// Rotation is the display output rotation, matching DXGI_MODE_ROTATION.
type Rotation uint32

const (
	RotationUnspecified Rotation = 0
	RotationIdentity    Rotation = 1
	Rotation90          Rotation = 2
	Rotation180         Rotation = 3
	Rotation270         Rotation = 4
)

// IsIdentity reports whether the output is unrotated. Duplication of rotated
// outputs is unsupported; such displays always take the CPU path.
func (r Rotation) IsIdentity() bool {
	return r == RotationIdentity || r == RotationUnspecified
}

func (r Rotation) String() string {
	switch r {
	case RotationIdentity:
		return "identity"
	case Rotation90:
		return "90"
	case Rotation180:
		return "180"
	case Rotation270:
		return "270"
	default:
		return "unspecified"
	}
}

// DisplayDescriptor is an immutable snapshot of one display output.
// Descriptors are replaced wholesale when the display topology changes.
type DisplayDescriptor struct {
	// Name is the physical output device identifier (e.g. `\\.\DISPLAY1`).
	// It is the stable key for capture sessions; enumeration indexes shift.
	Name     string
	Bounds   image.Rectangle
	Rotation Rotation
	Index    int
}

// Config holds engine configuration.
type Config struct {
	// Display is the preferred display device name. Empty or unknown names
	// fall back to the first enumerated display.
	Display string

	// PollTimeout bounds the GPU duplication wait per attempt.
	PollTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PollTimeout: 500 * time.Millisecond,
	}
}
