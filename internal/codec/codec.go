// Package codec encodes the hub's compact binary frames as CBOR and picks
// between CBOR and JSON for payloads that may arrive in either.
package codec

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

// Format names a wire encoding.
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

// ParseFormat accepts "", "json" or "cbor". Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", JSON:
		return JSON, nil
	case CBOR:
		return CBOR, nil
	}
	return "", errors.NotValidf("format %q", s)
}

// Core Deterministic Encoding: sorted map keys, shortest integers.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Telemetry data is decoded into any; keep maps compatible with
		// encoding/json and the store.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode encodes v in format f.
func Encode(f Format, v any) ([]byte, error) {
	if f == CBOR {
		return Marshal(v)
	}
	return json.Marshal(v)
}

// Decode detects whether data is a JSON object or CBOR and decodes it
// into v. It returns the format it found.
func Decode(data []byte, v any) (Format, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, v); err != nil {
			return JSON, errors.NotValidf("json payload: %v", err)
		}
		return JSON, nil
	}
	if err := Unmarshal(data, v); err != nil {
		return CBOR, errors.NotValidf("cbor payload: %v", err)
	}
	return CBOR, nil
}
