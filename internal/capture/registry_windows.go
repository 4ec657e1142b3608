//go:build windows

package capture

import (
	"fmt"
	"log/slog"
	"syscall"
	"unsafe"

	"github.com/w4560000/TestFrame/internal/logging"
)

// dxgiRegistry owns the set of dxgiSessions keyed by output device name.
// Rebuilds are wholesale: every held session is released before any new one
// is installed. The engine serializes all access via the exclusivity lock.
type dxgiRegistry struct {
	sessions map[string]*dxgiSession
	log      *slog.Logger
}

func newDXGIRegistry() *dxgiRegistry {
	return &dxgiRegistry{
		sessions: make(map[string]*dxgiSession),
		log:      logging.L("capture"),
	}
}

func (r *dxgiRegistry) Session(name string) (gpuSession, bool) {
	s, ok := r.sessions[name]
	return s, ok
}

func (r *dxgiRegistry) ReleaseAll() {
	for _, s := range r.sessions {
		s.Release()
	}
	r.sessions = make(map[string]*dxgiSession)
}

// Rebuild enumerates every adapter exposing at least one output and creates a
// session per adapter/output pair. Each pair's failure is isolated and logged;
// it never aborts enumeration of the remaining pairs. A partial set is valid.
func (r *dxgiRegistry) Rebuild() error {
	r.ReleaseAll()

	var factory uintptr
	hr, _, _ := procCreateDXGIFactory1.Call(
		uintptr(unsafe.Pointer(&iidIDXGIFactory1)),
		uintptr(unsafe.Pointer(&factory)),
	)
	if int32(hr) < 0 {
		return fmt.Errorf("CreateDXGIFactory1 failed: 0x%08X", uint32(hr))
	}
	defer comRelease(factory)

	for ai := 0; ; ai++ {
		var adapter uintptr
		hr, _, _ := syscall.SyscallN(
			comVtblFn(factory, dxgiFactory1EnumAdapters1),
			factory,
			uintptr(ai),
			uintptr(unsafe.Pointer(&adapter)),
		)
		if int32(hr) < 0 {
			if uint32(hr) != dxgiErrNotFound {
				r.log.Warn("EnumAdapters1 failed", "adapter", ai,
					"hresult", fmt.Sprintf("0x%08X", uint32(hr)))
			}
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
				if uint32(hr) != dxgiErrNotFound {
					r.log.Warn("EnumOutputs failed", "adapter", ai, "output", oi,
						"hresult", fmt.Sprintf("0x%08X", uint32(hr)))
				}
				break
			}

			var desc dxgiOutputDesc
			hr, _, _ = syscall.SyscallN(
				comVtblFn(output, dxgiOutputGetDesc),
				output,
				uintptr(unsafe.Pointer(&desc)),
			)
			if int32(hr) < 0 || desc.AttachedToDesktop == 0 {
				comRelease(output)
				continue
			}
			name := syscall.UTF16ToString(desc.DeviceName[:])

			// The session takes its own adapter reference so releasing one
			// session never invalidates another's device.
			comCall(adapter, 1) // IUnknown::AddRef
			sess, err := newDXGISession(adapter, output, desc)
			comRelease(output)
			if err != nil {
				comRelease(adapter) // the session did not take ownership
				r.log.Warn("gpu session creation failed",
					logging.KeyDisplay, name, logging.KeyError, err)
				continue
			}
			r.sessions[name] = sess
			r.log.Info("gpu session created", logging.KeyDisplay, name,
				"width", sess.width, "height", sess.height,
				"rotation", sess.rotation.String())
		}
		comRelease(adapter)
	}

	if len(r.sessions) == 0 {
		r.log.Warn("no gpu sessions available, captures will use the blit path")
	}
	return nil
}

var _ sessionRegistry = (*dxgiRegistry)(nil)
