package models

// TelemetryRecord is one timestamped reading submitted by a device.
// Timestamp is producer-supplied seconds and is the ordering key.
type TelemetryRecord struct {
	ID        string         `json:"id" cbor:"id"`
	DeviceID  string         `json:"device_id" cbor:"device_id"`
	Timestamp float64        `json:"timestamp" cbor:"timestamp"`
	Data      map[string]any `json:"data" cbor:"data"`
}

func (r TelemetryRecord) OrderKey() float64 { return r.Timestamp }
