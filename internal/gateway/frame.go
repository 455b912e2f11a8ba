package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/ingestion"
)

// ParseLine reads one line from the radio. Two forms are accepted:
//
//	SENDER,RECEIVER,MESSAGE
//	{"sender_id":"a","receiver_id":"b","message":"...","timestamp":1.5}
//
// The message of the CSV form may itself contain commas. Frames without a
// timestamp are stamped with received.
func ParseLine(line string, received time.Time) (ingestion.LoraFrame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ingestion.LoraFrame{}, errors.NotValidf("empty line")
	}

	var frame ingestion.LoraFrame
	if strings.HasPrefix(line, "{") {
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return ingestion.LoraFrame{}, errors.NotValidf("json frame: %v", err)
		}
	} else {
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			return ingestion.LoraFrame{}, errors.NotValidf("frame %q", line)
		}
		frame = ingestion.LoraFrame{
			SenderID:   strings.TrimSpace(parts[0]),
			ReceiverID: strings.TrimSpace(parts[1]),
			Message:    parts[2],
		}
	}

	if frame.SenderID == "" || frame.ReceiverID == "" {
		return ingestion.LoraFrame{}, errors.NotValidf("frame without sender or receiver")
	}
	if strings.ContainsAny(frame.ReceiverID, "/+#") {
		return ingestion.LoraFrame{}, errors.NotValidf("receiver_id %q", frame.ReceiverID)
	}
	if frame.Timestamp == nil {
		ts := clock.Seconds(received)
		frame.Timestamp = &ts
	}
	return frame, nil
}
