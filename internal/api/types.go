package api

import (
	"time"

	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
)

// Response is the textual outcome of a device operation.
type Response struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// DeviceResponse is one registry entry. Battery is null until the first
// heartbeat.
type DeviceResponse struct {
	Address   string    `json:"address"`
	MAC       string    `json:"mac"`
	Battery   *int      `json:"battery"`
	Mode      string    `json:"mode"`
	Monitored bool      `json:"monitored"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

func deviceResponse(d fleet.Device, monitored bool) DeviceResponse {
	out := DeviceResponse{
		Address:   d.Address,
		MAC:       d.MAC,
		Mode:      d.Mode.String(),
		Monitored: monitored,
		FirstSeen: d.FirstSeen,
		LastSeen:  d.LastSeen,
	}
	if d.Battery != fleet.BatteryUnknown {
		b := d.Battery
		out.Battery = &b
	}
	return out
}

type AddDeviceRequest struct {
	Address string `json:"address"`
}

type EnrollUploadResponse struct {
	OK     bool     `json:"ok"`
	Enroll Response `json:"enroll"`
	Upload Response `json:"upload"`
	Error  string   `json:"error,omitempty"`
}

type SyncResponse struct {
	OK        bool       `json:"ok"`
	Output    string     `json:"output"`
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Items     []SyncItem `json:"items"`
	Error     string     `json:"error,omitempty"`
}

type SyncItem struct {
	ModelID int    `json:"model_id"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// CompareRequest carries two raw sensor captures, base64 encoded.
type CompareRequest struct {
	Probe     string `json:"probe"`
	Reference string `json:"reference"`
}

type CompareResponse struct {
	Score   float64 `json:"score"`
	Match   bool    `json:"is_match"`
	Message string  `json:"message"`
	Elapsed string  `json:"elapsed"`
}

type EnrollRequest struct {
	Name    string `json:"name"`
	Packets string `json:"packets"`
}

type EnrollmentResponse struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Size       int       `json:"size"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

type IdentifyRequest struct {
	Packets string `json:"packets"`
}

type IdentifyResponse struct {
	Match   bool                 `json:"is_match"`
	Name    string               `json:"name,omitempty"`
	Score   float64              `json:"score"`
	Message string               `json:"message"`
	Details []fingerprint.Scored `json:"details"`
}

type EventResponse struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}
