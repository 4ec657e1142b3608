//go:build windows

package capture

// newPlatformBackend assembles the Windows capture backend: DXGI duplication
// sessions with a GDI BitBlt fallback, input-desktop switching, and a
// WM_DISPLAYCHANGE subscription.
func newPlatformBackend() (backend, error) {
	return backend{
		displays: dxgiDisplayLister{},
		registry: newDXGIRegistry(),
		switcher: newInputDesktopSwitcher(),
		blit:     newGDIBlitter(),
		watcher:  newDisplayWatcher(),
	}, nil
}
