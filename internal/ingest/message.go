// Package ingest serves the status port devices connect to for heartbeats,
// continuous-search results and time sync.
package ingest

import (
	"strings"

	"github.com/high-horse/fingerprint-fleet/internal/fleet"
)

type Kind string

const (
	KindStatus      Kind = "status"
	KindContinuous  Kind = "continuous"
	KindTimeRequest Kind = "time_request"
	KindMalformed   Kind = "malformed"
	KindUnknown     Kind = "unknown"
	KindEmpty       Kind = "empty"
)

const (
	statusPrefix     = "STATUS|"
	continuousPrefix = "CONTINUOUS_"
	timeRequest      = "TIME_REQUEST"

	ackReply           = "ACK:\n"
	timeResponsePrefix = "TIME_RESPONSE:"
)

// Message is one decoded status-port line.
type Message struct {
	Kind    Kind
	Raw     string
	IP      string
	MAC     string
	Battery int
}

// Parse decodes a single line. It never fails: anything unrecognised comes
// back as KindUnknown or KindMalformed.
func Parse(line string) Message {
	line = strings.TrimSpace(line)
	m := Message{Raw: line}

	switch {
	case line == "":
		m.Kind = KindEmpty
	case strings.HasPrefix(line, statusPrefix):
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			m.Kind = KindMalformed
			return m
		}
		m.Kind = KindStatus
		m.IP = strings.TrimSpace(parts[1])
		m.MAC = strings.TrimSpace(parts[2])
		m.Battery = fleet.ParseBattery(parts[3])
	case strings.HasPrefix(line, continuousPrefix):
		m.Kind = KindContinuous
	case line == timeRequest:
		m.Kind = KindTimeRequest
	default:
		m.Kind = KindUnknown
	}
	return m
}
