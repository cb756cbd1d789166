package remote

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Record is the wire shape of a remote message event. ConfirmedAt is
// kept raw because gateways disagree on its representation (epoch
// millis, epoch seconds, or RFC3339); NormalizedConfirmedAt resolves it.
type Record struct {
	ConversationID   string          `json:"conversation_id"`
	MessageID        string          `json:"message_id"`
	ClientRef        string          `json:"client_ref,omitempty"`
	SenderID         string          `json:"sender_id"`
	SenderName       string          `json:"sender_name,omitempty"`
	Text             string          `json:"text"`
	Status           string          `json:"status,omitempty"`
	ReadBy           []string        `json:"read_by,omitempty"`
	ConfirmedAt      json.RawMessage `json:"confirmed_at,omitempty"`
	CreatedAt        int64           `json:"created_at,omitempty"`
	ConversationKind string          `json:"conversation_kind,omitempty"`
	Members          []string        `json:"members,omitempty"`
}

// ErrMalformed marks records the reconciler must drop.
var ErrMalformed = errors.New("malformed remote record")

// Validate checks the fields no merge can proceed without.
func (r *Record) Validate() error {
	if r.ConversationID == "" || r.MessageID == "" || r.SenderID == "" {
		return ErrMalformed
	}
	return nil
}

// epochMillisFloor separates epoch-seconds values from epoch-millis:
// anything below it is seconds. Corresponds to Sep 2001 in millis and
// year 5138 in seconds, so real timestamps are unambiguous.
const epochMillisFloor = 100_000_000_000

// NormalizedConfirmedAt resolves the raw confirmed_at to epoch millis.
// Absent or unparseable values default to now; the fallback keeps a
// sloppy gateway from stalling reconciliation, it is not a correctness
// requirement.
func (r *Record) NormalizedConfirmedAt(now time.Time) int64 {
	raw := strings.TrimSpace(string(r.ConfirmedAt))
	if raw == "" || raw == "null" {
		return now.UnixMilli()
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(r.ConfirmedAt, &s); err == nil {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UnixMilli()
			}
			// Some gateways quote numeric timestamps.
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return normalizeEpoch(n)
			}
		}
		return now.UnixMilli()
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return normalizeEpoch(int64(f))
	}
	return now.UnixMilli()
}

func normalizeEpoch(n int64) int64 {
	if n > 0 && n < epochMillisFloor {
		return n * 1000
	}
	return n
}
