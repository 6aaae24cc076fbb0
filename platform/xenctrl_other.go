//go:build !(linux && cgo && xen)

package platform

import (
	"github.com/jnesss/vmi-recorder/xen"
)

// OpenControl needs a linux build with cgo and the xen tag.
func OpenControl() (xen.Control, error) {
	return nil, xen.ErrUnsupported
}
