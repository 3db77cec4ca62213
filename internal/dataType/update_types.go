package dataType

import (
	"encoding/binary"
	"fmt"
	"time"

	"satupdate/internal/hashchain"
)

// UpdatePayload is one software update as it travels the mesh.
type UpdatePayload struct {
	Content string `json:"content"`
	Version string `json:"version"`
}

// NewUpdatePayload names the firmware for a round the way the flight
// software versions it: round 1 ships v1.4.
func NewUpdatePayload(round int) UpdatePayload {
	version := fmt.Sprintf("%.1f", 1.3+float64(round)*0.1)
	return UpdatePayload{
		Content: "Firmware update v" + version,
		Version: version,
	}
}

// Bytes is the authenticated encoding: each field length-prefixed.
func (p UpdatePayload) Bytes() []byte {
	buf := make([]byte, 0, 8+len(p.Content)+len(p.Version))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Content)))
	buf = append(buf, p.Content...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Version)))
	buf = append(buf, p.Version...)
	return buf
}

// Digest identifies the payload in a node's seen set.
func (p UpdatePayload) Digest() hashchain.Digest {
	return hashchain.Hash(p.Bytes())
}

// Outcome of a single delivery attempt.
type Outcome int

const (
	OutcomeAccepted Outcome = iota + 1
	OutcomeRejected
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDropped:
		return "dropped"
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "accepted":
		*o = OutcomeAccepted
	case "rejected":
		*o = OutcomeRejected
	case "dropped":
		*o = OutcomeDropped
	default:
		return fmt.Errorf("unknown outcome %q", b)
	}
	return nil
}

// Rejection reasons carried on DeliveryAttempt.Reason.
const (
	ReasonNone     = ""
	ReasonMismatch = "mismatch"
	ReasonExpired  = "expired"
	ReasonForged   = "forged"
)

// DeliveryAttempt is one append-only engine event.
type DeliveryAttempt struct {
	Timestamp time.Time     `json:"timestamp"`
	Round     int           `json:"round"`
	Sender    int           `json:"sender"`
	Receiver  int           `json:"receiver"`
	Latency   time.Duration `json:"-"`
	Outcome   Outcome       `json:"outcome"`
	Retry     int           `json:"retry"`
	Malicious bool          `json:"possibly_malicious"`
	Version   string        `json:"version"`
	Reason    string        `json:"reason,omitempty"`
}

// LatencySeconds is the simulated link latency in seconds.
func (a DeliveryAttempt) LatencySeconds() float64 {
	return a.Latency.Seconds()
}

// ReceptionRecord is a node's outcome for one round.
type ReceptionRecord struct {
	Round         int           `json:"round"`
	Version       string        `json:"version"`
	Received      bool          `json:"received"`
	TimeToReceive time.Duration `json:"-"`
	Hops          int           `json:"hops"`
}
