package capture

import (
	"image"
	"sync"
)

// Frame is a decoded desktop bitmap in 32-bit BGRA with top-left origin.
// Ownership transfers to the caller; callers that are done with a frame may
// return it to the pool via PutFrame.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

// Bounds returns the frame rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// RGBA converts the BGRA frame into a standard library image.
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	rowBytes := f.Width * 4
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Stride : y*f.Stride+rowBytes]
		dst := img.Pix[y*img.Stride : y*img.Stride+rowBytes]
		bgraToRGBA(src, dst, f.Width)
	}
	return img
}

// bgraToRGBA swizzles n pixels from BGRA byte order into RGBA.
func bgraToRGBA(src, dst []byte, n int) {
	for i := 0; i < n*4; i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
}

// copyRows copies a width×height pixel block row by row, honoring the source
// row pitch and destination stride separately. GPU staging surfaces pad rows
// to alignment boundaries, so pitch and stride routinely differ.
func copyRows(dst []byte, dstStride int, src []byte, srcPitch, width, height int) {
	rowBytes := width * 4
	if srcPitch == dstStride && srcPitch == rowBytes {
		copy(dst[:rowBytes*height], src[:rowBytes*height])
		return
	}
	for y := 0; y < height; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcPitch:y*srcPitch+rowBytes])
	}
}

// framePool pools Frame buffers for a fixed resolution. Captures at a steady
// resolution reuse buffers; a resolution change resets the pool.
type framePool struct {
	pool sync.Pool
	w, h int
	mu   sync.Mutex
}

var frames framePool

func (p *framePool) Get(w, h int) *Frame {
	p.mu.Lock()
	if p.w == w && p.h == h {
		p.mu.Unlock()
		if v := p.pool.Get(); v != nil {
			return v.(*Frame)
		}
		return newFrame(w, h)
	}
	p.w = w
	p.h = h
	p.pool = sync.Pool{}
	p.mu.Unlock()
	return newFrame(w, h)
}

func (p *framePool) Put(f *Frame) {
	if f == nil {
		return
	}
	p.mu.Lock()
	match := p.w == f.Width && p.h == f.Height
	p.mu.Unlock()
	if match {
		p.pool.Put(f)
	}
}

func newFrame(w, h int) *Frame {
	return &Frame{
		Pix:    make([]byte, w*h*4),
		Width:  w,
		Height: h,
		Stride: w * 4,
	}
}

// GetFrame returns a pooled frame buffer for the given dimensions.
func GetFrame(w, h int) *Frame {
	return frames.Get(w, h)
}

// PutFrame returns a frame to the pool. Optional; unreturned frames are
// simply collected.
func PutFrame(f *Frame) {
	frames.Put(f)
}
