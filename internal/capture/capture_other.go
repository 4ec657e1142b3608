//go:build !windows

package capture

// newPlatformBackend returns an error on platforms without a capture backend.
func newPlatformBackend() (backend, error) {
	return backend{}, ErrNotSupported
}
