//go:build !linux || (!arm && !arm64)

package button

import (
	"fmt"
	"io"
	"time"
)

// Stub implementation for non-Linux and/or non-ARM platforms.
func openLine(pin int, debounce time.Duration, onEdge func(time.Time)) (io.Closer, error) {
	return nil, fmt.Errorf("button: gpio unsupported on this platform")
}
