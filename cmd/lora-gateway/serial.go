//go:build !no_serial

package main

import (
	"io"

	"github.com/juju/errors"
	"github.com/tarm/serial"
)

func openRadio(port string, baud int) (io.ReadCloser, error) {
	p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	if err != nil {
		return nil, errors.Annotatef(err, "open serial %s", port)
	}
	return p, nil
}
