package models

// Known device types. The registry accepts any non-empty type string.
const (
	DeviceTypeEnvironmentalStation = "environmental_station"
	DeviceTypeCamera               = "camera"
	DeviceTypeLoraNode             = "lora_node"
)

// Device is a registered field device. APIKey is only populated in the
// responses of registration and key rotation; the hub stores a digest.
type Device struct {
	ID           string  `json:"id"`
	DeviceType   string  `json:"device_type"`
	DeviceName   string  `json:"device_name"`
	OwnerUserID  string  `json:"owner_user_id"`
	APIKey       string  `json:"api_key,omitempty"`
	RegisteredAt float64 `json:"registered_at"`
}
