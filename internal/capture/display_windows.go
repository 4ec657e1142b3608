//go:build windows

package capture

import (
	"fmt"
	"image"
	"syscall"
	"unsafe"

	"github.com/w4560000/TestFrame/internal/logging"
)

// dxgiDisplayLister enumerates display outputs through the DXGI factory.
// Enumeration is side-effect free; an empty slice means no attached displays.
type dxgiDisplayLister struct{}

func (dxgiDisplayLister) ListDisplays() []DisplayDescriptor {
	log := logging.L("capture")

	var factory uintptr
	hr, _, _ := procCreateDXGIFactory1.Call(
		uintptr(unsafe.Pointer(&iidIDXGIFactory1)),
		uintptr(unsafe.Pointer(&factory)),
	)
	if int32(hr) < 0 {
		log.Warn("CreateDXGIFactory1 failed", "hresult", fmt.Sprintf("0x%08X", uint32(hr)))
		return nil
	}
	defer comRelease(factory)

	var displays []DisplayDescriptor
	for ai := 0; ; ai++ {
		var adapter uintptr
		hr, _, _ := syscall.SyscallN(
			comVtblFn(factory, dxgiFactory1EnumAdapters1),
			factory,
			uintptr(ai),
			uintptr(unsafe.Pointer(&adapter)),
		)
		if int32(hr) < 0 {
			break
		}

		for oi := 0; ; oi++ {
			var output uintptr
			hr, _, _ := syscall.SyscallN(
				comVtblFn(adapter, dxgiAdapterEnumOutputs),
				adapter,
				uintptr(oi),
				uintptr(unsafe.Pointer(&output)),
			)
			if int32(hr) < 0 {
				break
			}

			var desc dxgiOutputDesc
			hr, _, _ = syscall.SyscallN(
				comVtblFn(output, dxgiOutputGetDesc),
				output,
				uintptr(unsafe.Pointer(&desc)),
			)
			comRelease(output)
			if int32(hr) < 0 || desc.AttachedToDesktop == 0 {
				continue
			}

			displays = append(displays, DisplayDescriptor{
				Name: syscall.UTF16ToString(desc.DeviceName[:]),
				Bounds: image.Rect(
					int(desc.Left), int(desc.Top),
					int(desc.Right), int(desc.Bottom),
				),
				Rotation: Rotation(desc.Rotation),
				Index:    len(displays),
			})
		}
		comRelease(adapter)
	}
	return displays
}

func (l dxgiDisplayLister) VirtualBounds() image.Rectangle {
	var bounds image.Rectangle
	for _, d := range l.ListDisplays() {
		bounds = bounds.Union(d.Bounds)
	}
	return bounds
}

var _ displayLister = dxgiDisplayLister{}
