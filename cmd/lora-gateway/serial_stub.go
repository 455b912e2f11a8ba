//go:build no_serial

package main

import (
	"io"

	"github.com/juju/errors"
)

func openRadio(port string, baud int) (io.ReadCloser, error) {
	return nil, errors.NotSupportedf("serial radio in a no_serial build; use --sim")
}
