// Package protocol speaks the sensor's line-based TCP control protocol. Every
// call opens its own connection, performs exactly one exchange and closes it.
package protocol

import (
	"strconv"
	"strings"
	"time"
)

const (
	CmdSearch   = "SEARCH"
	CmdList     = "LIST"
	CmdEmpty    = "EMPTY"
	CmdManage   = "MANAGE"
	CmdNormal   = "NORMAL"
	CmdDelete   = "DELETE"
	CmdEnroll   = "ENROLL"
	CmdUpload   = "UPLOAD_TEMPLATE"
	CmdDownload = "DOWNLOAD_TEMPLATE"
)

// ListComplete is the line the firmware ends a LIST response with. It must
// match byte for byte.
const ListComplete = "OK: List templates command complete."

// DefaultPort is the device's command port.
const DefaultPort = 5000

// Command is one request line.
type Command struct {
	Name       string
	ModelID    int
	HasModelID bool
}

func Simple(name string) Command {
	return Command{Name: name}
}

func WithModel(name string, modelID int) Command {
	return Command{Name: name, ModelID: modelID, HasModelID: true}
}

func (c Command) String() string {
	if !c.HasModelID {
		return c.Name
	}
	return c.Name + "," + strconv.Itoa(c.ModelID)
}

// Line is the wire form, LF terminated.
func (c Command) Line() string {
	return c.String() + "\n"
}

// Timeouts bounds every blocking step of an exchange.
type Timeouts struct {
	Connect time.Duration
	Write   time.Duration
	// Short is the per-line window for SEARCH, LIST, DELETE, EMPTY, MANAGE and NORMAL.
	Short time.Duration
	// Enroll waits on a finger being placed on the sensor.
	Enroll time.Duration
	// Transfer covers acknowledgement and terminal lines around template transfers.
	Transfer time.Duration
	// Bulk covers the 1668 raw template bytes.
	Bulk time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  5 * time.Second,
		Write:    5 * time.Second,
		Short:    5 * time.Second,
		Enroll:   60 * time.Second,
		Transfer: 15 * time.Second,
		Bulk:     60 * time.Second,
	}
}

func (t Timeouts) lineTimeout(command string) time.Duration {
	switch command {
	case CmdEnroll:
		return t.Enroll
	case CmdUpload, CmdDownload:
		return t.Transfer
	default:
		return t.Short
	}
}

// Result is everything the device said during one exchange.
type Result struct {
	Address string
	Command Command
	Lines   []string
	// Bytes counts raw template bytes moved by a transfer.
	Bytes int
}

// Text joins the response lines with newlines.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Lines, "\n")
}

// Last returns the final response line, if any.
func (r *Result) Last() string {
	if r == nil || len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1]
}

// Succeeded reports whether the exchange ended on a SUCCESS line.
func (r *Result) Succeeded() bool {
	return strings.HasPrefix(r.Last(), "SUCCESS")
}

func terminal(command, line string) bool {
	if strings.HasPrefix(line, "SUCCESS") || strings.HasPrefix(line, "ERROR") {
		return true
	}
	return command == CmdList && line == ListComplete
}
