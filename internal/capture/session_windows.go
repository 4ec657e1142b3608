//go:build windows

package capture

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"
	"unsafe"

	"github.com/w4560000/TestFrame/internal/logging"
)

// dxgiSession owns one adapter/output pair's GPU capture state: the D3D11
// device and context, the output duplication handle, and a CPU-readable BGRA
// staging texture sized to the output's desktop bounds. The session is the
// exclusive owner of these handles; it is recreated, never resized, when the
// output's bounds change.
type dxgiSession struct {
	name     string
	rotation Rotation

	adapter     uintptr // IDXGIAdapter1
	device      uintptr // ID3D11Device
	context     uintptr // ID3D11DeviceContext
	duplication uintptr // IDXGIOutputDuplication
	staging     uintptr // ID3D11Texture2D (staging, CPU-readable)

	width  int
	height int

	log *slog.Logger
}

// newDXGISession creates a device on the given adapter, duplicates the output,
// and allocates a matching staging texture. Takes ownership of the adapter
// handle on success; the caller keeps ownership of the output handle.
func newDXGISession(adapter, output uintptr, desc dxgiOutputDesc) (*dxgiSession, error) {
	name := syscall.UTF16ToString(desc.DeviceName[:])

	var device, context uintptr
	featureLevel := uint32(d3dFeatureLevel11_0)
	var actualLevel uint32

	// An explicit adapter requires D3D_DRIVER_TYPE_UNKNOWN.
	hr, _, _ := procD3D11CreateDevice.Call(
		adapter,
		uintptr(d3dDriverTypeUnknown),
		0, // Software
		uintptr(d3d11CreateDeviceBGRASupport),
		uintptr(unsafe.Pointer(&featureLevel)),
		1,
		uintptr(d3d11SDKVersion),
		uintptr(unsafe.Pointer(&device)),
		uintptr(unsafe.Pointer(&actualLevel)),
		uintptr(unsafe.Pointer(&context)),
	)
	if int32(hr) < 0 {
		// Some drivers reject the BGRA flag. Retry plain.
		hr, _, _ = procD3D11CreateDevice.Call(
			adapter,
			uintptr(d3dDriverTypeUnknown),
			0,
			0,
			uintptr(unsafe.Pointer(&featureLevel)),
			1,
			uintptr(d3d11SDKVersion),
			uintptr(unsafe.Pointer(&device)),
			uintptr(unsafe.Pointer(&actualLevel)),
			uintptr(unsafe.Pointer(&context)),
		)
	}
	if int32(hr) < 0 {
		return nil, fmt.Errorf("D3D11CreateDevice %s: 0x%08X", name, uint32(hr))
	}

	// QueryInterface → IDXGIOutput1
	var output1 uintptr
	_, err := comCall(output, vtblQueryInterface,
		uintptr(unsafe.Pointer(&iidIDXGIOutput1)),
		uintptr(unsafe.Pointer(&output1)),
	)
	if err != nil {
		comRelease(context)
		comRelease(device)
		return nil, fmt.Errorf("QueryInterface IDXGIOutput1 %s: %w", name, err)
	}
	defer comRelease(output1)

	// DuplicateOutput binds to the desktop current on the calling thread, so
	// this must run on the attached capture thread.
	var duplication uintptr
	_, err = comCall(output1, dxgiOutput1DuplicateOutput,
		device,
		uintptr(unsafe.Pointer(&duplication)),
	)
	if err != nil {
		comRelease(context)
		comRelease(device)
		return nil, fmt.Errorf("DuplicateOutput %s: %w", name, err)
	}

	// Dimensions come from the duplication's own mode desc, not from probing
	// AcquireNextFrame (which can time out on an idle desktop).
	var duplDesc dxgiOutDuplDesc
	hrGetDesc, _, _ := syscall.SyscallN(
		comVtblFn(duplication, dxgiDuplGetDesc),
		duplication,
		uintptr(unsafe.Pointer(&duplDesc)),
	)
	if int32(hrGetDesc) < 0 {
		comRelease(duplication)
		comRelease(context)
		comRelease(device)
		return nil, fmt.Errorf("IDXGIOutputDuplication::GetDesc %s: 0x%08X", name, uint32(hrGetDesc))
	}
	width := int(duplDesc.ModeDesc.Width)
	height := int(duplDesc.ModeDesc.Height)
	if width <= 0 || height <= 0 {
		comRelease(duplication)
		comRelease(context)
		comRelease(device)
		return nil, fmt.Errorf("invalid duplication dimensions for %s: %dx%d", name, width, height)
	}

	stagingDesc := d3d11Texture2DDesc{
		Width:          uint32(width),
		Height:         uint32(height),
		MipLevels:      1,
		ArraySize:      1,
		Format:         dxgiFormatB8G8R8A8,
		SampleCount:    1,
		Usage:          d3d11UsageStaging,
		CPUAccessFlags: d3d11CPUAccessRead,
	}
	var staging uintptr
	_, err = comCall(device, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&stagingDesc)),
		0, // pInitialData
		uintptr(unsafe.Pointer(&staging)),
	)
	if err != nil {
		comRelease(duplication)
		comRelease(context)
		comRelease(device)
		return nil, fmt.Errorf("CreateTexture2D staging %s: %w", name, err)
	}

	return &dxgiSession{
		name:        name,
		rotation:    Rotation(desc.Rotation),
		adapter:     adapter,
		device:      device,
		context:     context,
		duplication: duplication,
		staging:     staging,
		width:       width,
		height:      height,
		log:         logging.L("capture").With(logging.KeyDisplay, name),
	}, nil
}

func (s *dxgiSession) Rotation() Rotation { return s.rotation }

// Acquire polls the duplication handle for a new frame. On success the GPU
// resource is copied into the staging surface, mapped, and copied out row by
// row (source row pitch and destination stride may differ).
func (s *dxgiSession) Acquire(timeout time.Duration) (*Frame, acquireStatus) {
	var frameInfo dxgiOutDuplFrameInfo
	var resource uintptr

	hr, _, _ := syscall.SyscallN(
		comVtblFn(s.duplication, dxgiDuplAcquireNextFrame),
		s.duplication,
		uintptr(timeout.Milliseconds()),
		uintptr(unsafe.Pointer(&frameInfo)),
		uintptr(unsafe.Pointer(&resource)),
	)
	hresult := uint32(hr)

	if hresult == dxgiErrWaitTimeout {
		// No desktop updates within the bound; not an error.
		return nil, acquireTimeout
	}
	if int32(hr) < 0 {
		s.log.Warn("AcquireNextFrame failed", "hresult", fmt.Sprintf("0x%08X", hresult))
		return nil, acquireHard
	}

	if frameInfo.AccumulatedFrames == 0 {
		// Duplicate call artifact: a successful poll carrying no new frame.
		comRelease(resource)
		s.releaseFrame()
		return nil, acquireEmpty
	}

	// QueryInterface → ID3D11Texture2D
	var texture uintptr
	_, err := comCall(resource, vtblQueryInterface,
		uintptr(unsafe.Pointer(&iidID3D11Texture2D)),
		uintptr(unsafe.Pointer(&texture)),
	)
	comRelease(resource)
	if err != nil {
		s.releaseFrame()
		s.log.Warn("QueryInterface ID3D11Texture2D failed", logging.KeyError, err)
		return nil, acquireHard
	}

	// GPU-to-GPU copy into the staging surface.
	copyHr, _, _ := syscall.SyscallN(
		comVtblFn(s.context, d3d11CtxCopyResource),
		s.context,
		s.staging,
		texture,
	)
	comRelease(texture)
	if int32(copyHr) < 0 {
		s.releaseFrame()
		s.log.Warn("CopyResource failed", "hresult", fmt.Sprintf("0x%08X", uint32(copyHr)))
		return nil, acquireHard
	}

	var mapped d3d11MappedSubresource
	hr, _, _ = syscall.SyscallN(
		comVtblFn(s.context, d3d11CtxMap),
		s.context,
		s.staging,
		0, // Subresource
		d3d11MapRead,
		0, // Flags
		uintptr(unsafe.Pointer(&mapped)),
	)
	if int32(hr) < 0 {
		s.releaseFrame()
		s.log.Warn("Map staging texture failed", "hresult", fmt.Sprintf("0x%08X", uint32(hr)))
		return nil, acquireHard
	}

	frame := GetFrame(s.width, s.height)
	src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), s.height*int(mapped.RowPitch))
	copyRows(frame.Pix, frame.Stride, src, int(mapped.RowPitch), s.width, s.height)

	syscall.SyscallN(comVtblFn(s.context, d3d11CtxUnmap), s.context, s.staging, 0)
	s.releaseFrame()

	return frame, acquireOK
}

func (s *dxgiSession) releaseFrame() {
	syscall.SyscallN(comVtblFn(s.duplication, dxgiDuplReleaseFrame), s.duplication)
}

// Release frees every COM handle the session owns. Duplication handles are a
// bounded OS resource; they must be released explicitly, not left to the GC.
func (s *dxgiSession) Release() {
	if s.staging != 0 {
		comRelease(s.staging)
		s.staging = 0
	}
	if s.duplication != 0 {
		comRelease(s.duplication)
		s.duplication = 0
	}
	if s.context != 0 {
		comRelease(s.context)
		s.context = 0
	}
	if s.device != 0 {
		comRelease(s.device)
		s.device = 0
	}
	if s.adapter != 0 {
		comRelease(s.adapter)
		s.adapter = 0
	}
}

var _ gpuSession = (*dxgiSession)(nil)
