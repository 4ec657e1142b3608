//go:build windows

package capture

import (
	"fmt"
	"log/slog"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/lxn/win"

	"github.com/w4560000/TestFrame/internal/logging"
)

// HWND_MESSAGE parents a message-only window: it is never visible and exists
// purely to receive broadcasts like WM_DISPLAYCHANGE.
var hwndMessage = win.HWND(^uintptr(2))

// winDisplayWatcher subscribes to display-configuration-changed notifications
// through a hidden message-only window. The window lives on its own locked OS
// thread pumping messages; Start subscribes and Close tears the window down.
type winDisplayWatcher struct {
	hwnd win.HWND
	done chan struct{}
	log  *slog.Logger
}

func newDisplayWatcher() *winDisplayWatcher {
	return &winDisplayWatcher{log: logging.L("displaywatch")}
}

func (w *winDisplayWatcher) Start(onChange func()) error {
	ready := make(chan error, 1)
	w.done = make(chan struct{})

	go func() {
		// The window and its message pump must share one thread.
		runtime.LockOSThread()
		defer close(w.done)

		wndProc := syscall.NewCallback(func(hwnd win.HWND, msg uint32, wParam, lParam uintptr) uintptr {
			switch msg {
			case win.WM_DISPLAYCHANGE:
				onChange()
				return 0
			case win.WM_CLOSE:
				win.DestroyWindow(hwnd)
				return 0
			case win.WM_DESTROY:
				win.PostQuitMessage(0)
				return 0
			}
			return win.DefWindowProc(hwnd, msg, wParam, lParam)
		})

		className, _ := syscall.UTF16PtrFromString("TestFrameDisplayWatch")
		wc := win.WNDCLASSEX{
			LpfnWndProc:   wndProc,
			HInstance:     win.GetModuleHandle(nil),
			LpszClassName: className,
		}
		wc.CbSize = uint32(unsafe.Sizeof(wc))
		if win.RegisterClassEx(&wc) == 0 {
			ready <- fmt.Errorf("RegisterClassEx failed")
			return
		}

		hwnd := win.CreateWindowEx(0, className, nil, 0,
			0, 0, 0, 0, hwndMessage, 0, wc.HInstance, nil)
		if hwnd == 0 {
			ready <- fmt.Errorf("CreateWindowEx failed")
			return
		}
		w.hwnd = hwnd
		ready <- nil

		var msg win.MSG
		for win.GetMessage(&msg, 0, 0, 0) > 0 {
			win.TranslateMessage(&msg)
			win.DispatchMessage(&msg)
		}
	}()

	return <-ready
}

func (w *winDisplayWatcher) Close() error {
	if w.hwnd != 0 {
		win.PostMessage(w.hwnd, win.WM_CLOSE, 0, 0)
		<-w.done
		w.hwnd = 0
	}
	return nil
}

var _ displayWatcher = (*winDisplayWatcher)(nil)
