// Package schema declares the hub's tables and the field names the
// components filter on.
package schema

import "github.com/c3hub/fieldhub/internal/storage"

const (
	Devices      = "devices"
	Telemetry    = "telemetry"
	LoraMessages = "lora_messages"
)

const (
	FieldID          = "id"
	FieldAPIKeyHash  = "api_key_hash"
	FieldDeviceName  = "device_name"
	FieldDeviceID    = "device_id"
	FieldTimestamp   = "timestamp"
	FieldReceiverID  = "receiver_id"
	FieldDeviceType  = "device_type"
	FieldOwnerUserID = "owner_user_id"
)

// Tables returns every table the hub needs, for opening a store.
func Tables() []storage.Table {
	return []storage.Table{
		{
			Name:    Devices,
			Unique:  []string{FieldID, FieldAPIKeyHash},
			Indexed: []string{FieldDeviceName},
		},
		{
			Name:    Telemetry,
			Indexed: []string{FieldDeviceID, FieldTimestamp},
		},
		{
			Name:    LoraMessages,
			Indexed: []string{FieldReceiverID, FieldTimestamp},
		},
	}
}
