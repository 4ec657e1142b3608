//go:build windows

package capture

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/windows"

	"github.com/w4560000/TestFrame/internal/logging"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procOpenInputDesktop = user32.NewProc("OpenInputDesktop")
	procSetThreadDesktop = user32.NewProc("SetThreadDesktop")
	procCloseDesktop     = user32.NewProc("CloseDesktop")
)

// Desktop access rights for OpenInputDesktop (GENERIC_ALL). Required to attach
// to the secure desktop (UAC prompts, lock screen).
const desktopGenericAll = 0x10000000

// inputDesktopSwitcher attaches the calling thread to the currently active
// input desktop. Capture APIs operate against the desktop associated with the
// calling thread; when the input desktop differs (lock screen, secure desktop,
// RDP session switch) capture fails silently or hangs. Attach must run on the
// capture worker's OS thread before any capture call, including DuplicateOutput.
type inputDesktopSwitcher struct {
	// currentDesktop is the handle from the last successful switch. Closed on
	// the next switch or on Close. Zero means no explicit switch yet.
	currentDesktop uintptr
	log            *slog.Logger
}

func newInputDesktopSwitcher() *inputDesktopSwitcher {
	return &inputDesktopSwitcher{log: logging.L("desktop")}
}

// AttachToInputDesktop opens the active input desktop and attaches the
// calling thread to it. Idempotent: re-attaching to the current desktop is
// success. Returns ErrDesktopAccess (wrapped) when the OS denies
// desktop-switch rights — fatal for the attempt, not for the engine.
func (d *inputDesktopSwitcher) AttachToInputDesktop() error {
	hDesk, _, err := procOpenInputDesktop.Call(
		0, // dwFlags
		0, // fInherit (FALSE)
		uintptr(desktopGenericAll),
	)
	if hDesk == 0 {
		return fmt.Errorf("%w: OpenInputDesktop: %v", ErrDesktopAccess, err)
	}

	ret, _, err := procSetThreadDesktop.Call(hDesk)
	if ret == 0 {
		procCloseDesktop.Call(hDesk)
		// ERROR_ACCESS_DENIED means the switch was refused (thread owns
		// windows or rights are missing). Other failures — typically
		// ERROR_INVALID_PARAMETER when the thread is already attached to
		// this desktop — count as attached.
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return fmt.Errorf("%w: SetThreadDesktop: %v", ErrDesktopAccess, err)
		}
		d.log.Debug("SetThreadDesktop skipped (already on input desktop)",
			logging.KeyError, err)
		return nil
	}

	if d.currentDesktop != 0 {
		procCloseDesktop.Call(d.currentDesktop)
	}
	d.currentDesktop = hDesk
	return nil
}

// Close releases the desktop handle from the last switch.
func (d *inputDesktopSwitcher) Close() error {
	if d.currentDesktop != 0 {
		procCloseDesktop.Call(d.currentDesktop)
		d.currentDesktop = 0
	}
	return nil
}

var _ desktopAttacher = (*inputDesktopSwitcher)(nil)
