//go:build !linux

package serial

import (
	"io"
	"time"

	tarm "github.com/tarm/serial"
)

func openDevice(path string, baud int) (io.ReadWriteCloser, error) {
	return tarm.OpenPort(&tarm.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	})
}
