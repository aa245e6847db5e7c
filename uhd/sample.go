package uhd

import (
	"fmt"
	"unsafe"

	"github.com/rjboer/gouhd/driver"
)

// SC16 is a complex sample of two signed 16-bit integers.
type SC16 struct {
	I, Q int16
}

// SC8 is a complex sample of two signed 8-bit integers.
type SC8 struct {
	I, Q int8
}

// Sample is the set of item types a streamer can move.
type Sample interface {
	complex64 | complex128 | SC16 | SC8
}

// formatOf maps the item type to its host-side format name.
func formatOf[T Sample]() driver.Format {
	var zero T
	var f driver.Format
	switch any(zero).(type) {
	case complex128:
		f = driver.FormatFC64
	case complex64:
		f = driver.FormatFC32
	case SC16:
		f = driver.FormatSC16
	case SC8:
		f = driver.FormatSC8
	}
	if f.Size() != int(unsafe.Sizeof(zero)) {
		panic(fmt.Sprintf("uhd: item size %d does not match format %q", unsafe.Sizeof(zero), string(f)))
	}
	return f
}
