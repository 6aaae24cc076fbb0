//go:build !linux

package xen

// OpenEventChannel is only available on Linux.
func OpenEventChannel() (EventChannel, error) {
	return nil, ErrUnsupported
}
