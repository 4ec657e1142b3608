//go:build windows

package capture

import (
	"fmt"
	"image"
	"log/slog"
	"syscall"
	"time"
	"unsafe"

	"github.com/lxn/win"
	"golang.org/x/sys/windows"

	"github.com/w4560000/TestFrame/internal/logging"
)

var (
	gdi32 = windows.NewLazySystemDLL("gdi32.dll")

	procCreateDCW = gdi32.NewProc("CreateDCW")
)

// CAPTUREBLT includes layered windows in the copy; not exposed by lxn/win.
const captureBlt = 0x40000000

// displayDeviceName is L"DISPLAY" as a UTF-16 null-terminated string.
var displayDeviceName = syscall.StringToUTF16Ptr("DISPLAY")

// gdiBlitter is the CPU capture path: BitBlt of a screen rectangle into a
// bitmap, read back with GetDIBits. GDI handles are created once per capture
// rectangle size and reused across frames.
type gdiBlitter struct {
	screenDC      win.HDC
	screenDCOwned bool // created via CreateDC (DeleteDC) vs GetDC (ReleaseDC)
	memDC         win.HDC
	bitmap        win.HBITMAP
	oldBitmap     win.HGDIOBJ
	hmem          win.HGLOBAL
	memptr        unsafe.Pointer
	bi            win.BITMAPINFOHEADER
	width         int
	height        int
	inited        bool

	// Failure throttling for secure-desktop transient capture outages.
	consecutiveFailures int
	lastFailureLog      time.Time

	log *slog.Logger
}

func newGDIBlitter() *gdiBlitter {
	return &gdiBlitter{log: logging.L("blit")}
}

// ensureHandles creates or recreates GDI handles for the given capture size.
func (b *gdiBlitter) ensureHandles(width, height int) error {
	if b.inited && b.width == width && b.height == height {
		return nil
	}
	b.releaseHandles()

	// CreateDC("DISPLAY") instead of GetDC(0): GetDC(0) returns a DC for the
	// desktop window, which fails on the Winlogon (secure) desktop. CreateDC
	// binds to the physical display directly and works on all desktops.
	hdc, _, _ := procCreateDCW.Call(
		uintptr(unsafe.Pointer(displayDeviceName)),
		0, 0, 0,
	)
	screenDC := win.HDC(hdc)
	if screenDC == 0 {
		screenDC = win.GetDC(0)
		if screenDC == 0 {
			return fmt.Errorf("both CreateDC and GetDC failed")
		}
		b.screenDCOwned = false
	} else {
		b.screenDCOwned = true
	}

	memDC := win.CreateCompatibleDC(screenDC)
	if memDC == 0 {
		b.releaseScreenDC(screenDC)
		return fmt.Errorf("CreateCompatibleDC failed")
	}

	bitmap := win.CreateCompatibleBitmap(screenDC, int32(width), int32(height))
	if bitmap == 0 {
		win.DeleteDC(memDC)
		b.releaseScreenDC(screenDC)
		return fmt.Errorf("CreateCompatibleBitmap failed")
	}

	oldBitmap := win.SelectObject(memDC, win.HGDIOBJ(bitmap))
	if oldBitmap == 0 {
		win.DeleteObject(win.HGDIOBJ(bitmap))
		win.DeleteDC(memDC)
		b.releaseScreenDC(screenDC)
		return fmt.Errorf("SelectObject failed")
	}

	// GetDIBits balks at Go memory on some systems; use GlobalAlloc like the
	// MSDN capture example does.
	size := uintptr(width * height * 4)
	hmem := win.GlobalAlloc(win.GMEM_MOVEABLE, size)
	if hmem == 0 {
		win.SelectObject(memDC, oldBitmap)
		win.DeleteObject(win.HGDIOBJ(bitmap))
		win.DeleteDC(memDC)
		b.releaseScreenDC(screenDC)
		return fmt.Errorf("GlobalAlloc failed")
	}
	memptr := win.GlobalLock(hmem)

	b.screenDC = screenDC
	b.memDC = memDC
	b.bitmap = bitmap
	b.oldBitmap = oldBitmap
	b.hmem = hmem
	b.memptr = memptr
	b.width = width
	b.height = height
	b.inited = true

	b.bi = win.BITMAPINFOHEADER{
		BiSize:        uint32(unsafe.Sizeof(win.BITMAPINFOHEADER{})),
		BiWidth:       int32(width),
		BiHeight:      -int32(height), // negative = top-down
		BiPlanes:      1,
		BiBitCount:    32,
		BiCompression: win.BI_RGB,
	}
	return nil
}

func (b *gdiBlitter) releaseScreenDC(dc win.HDC) {
	if b.screenDCOwned {
		win.DeleteDC(dc)
	} else {
		win.ReleaseDC(0, dc)
	}
	b.screenDCOwned = false
}

func (b *gdiBlitter) releaseHandles() {
	if !b.inited {
		return
	}
	if b.memptr != nil {
		win.GlobalUnlock(b.hmem)
		b.memptr = nil
	}
	if b.hmem != 0 {
		win.GlobalFree(b.hmem)
		b.hmem = 0
	}
	if b.oldBitmap != 0 && b.memDC != 0 {
		win.SelectObject(b.memDC, b.oldBitmap)
		b.oldBitmap = 0
	}
	if b.bitmap != 0 {
		win.DeleteObject(win.HGDIOBJ(b.bitmap))
		b.bitmap = 0
	}
	if b.memDC != 0 {
		win.DeleteDC(b.memDC)
		b.memDC = 0
	}
	if b.screenDC != 0 {
		b.releaseScreenDC(b.screenDC)
		b.screenDC = 0
	}
	b.inited = false
}

// CaptureRect copies the given screen rectangle into a freshly allocated BGRA
// frame. The rectangle is in virtual-desktop coordinates (a display's bounds).
func (b *gdiBlitter) CaptureRect(r image.Rectangle) (*Frame, error) {
	width, height := r.Dx(), r.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty capture rectangle %s", r.String())
	}

	// Try once with current handles, then force a handle rebuild and retry.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 1 {
			b.releaseHandles()
		}
		if err := b.ensureHandles(width, height); err != nil {
			lastErr = err
			continue
		}
		frame, err := b.captureOnce(r)
		if err == nil {
			b.consecutiveFailures = 0
			return frame, nil
		}
		lastErr = err
	}

	b.recordFailure(lastErr)
	return nil, lastErr
}

func (b *gdiBlitter) captureOnce(r image.Rectangle) (*Frame, error) {
	if !win.BitBlt(b.memDC, 0, 0, int32(b.width), int32(b.height),
		b.screenDC, int32(r.Min.X), int32(r.Min.Y), win.SRCCOPY|captureBlt) {
		// Secure-desktop transitions can reject CAPTUREBLT; retry plain.
		if !win.BitBlt(b.memDC, 0, 0, int32(b.width), int32(b.height),
			b.screenDC, int32(r.Min.X), int32(r.Min.Y), win.SRCCOPY) {
			return nil, fmt.Errorf("BitBlt failed")
		}
	}

	if win.GetDIBits(b.memDC, b.bitmap, 0, uint32(b.height),
		(*uint8)(b.memptr),
		(*win.BITMAPINFO)(unsafe.Pointer(&b.bi)),
		win.DIB_RGB_COLORS) == 0 {
		return nil, fmt.Errorf("GetDIBits failed")
	}

	// GetDIBits at 32bpp BI_RGB yields BGRA, the frame's native order.
	frame := GetFrame(b.width, b.height)
	src := unsafe.Slice((*byte)(b.memptr), b.width*b.height*4)
	copyRows(frame.Pix, frame.Stride, src, b.width*4, b.width, b.height)

	return frame, nil
}

func (b *gdiBlitter) recordFailure(err error) {
	b.consecutiveFailures++
	now := time.Now()
	if b.consecutiveFailures == 1 || now.Sub(b.lastFailureLog) >= 2*time.Second {
		b.log.Warn("gdi capture unavailable",
			logging.KeyError, err.Error(),
			"consecutive", b.consecutiveFailures)
		b.lastFailureLog = now
	}
}

// Close releases the persistent GDI handles.
func (b *gdiBlitter) Close() error {
	b.releaseHandles()
	return nil
}

var _ blitter = (*gdiBlitter)(nil)
