package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
)

var (
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrConnectRefused  = errors.New("connection refused")
	ErrProtocolTimeout = errors.New("timed out waiting for device")
	ErrProtocol        = errors.New("device error")
	ErrSizeMismatch    = fingerprint.ErrSizeMismatch
)

func dialError(target string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %s", ErrConnectRefused, target)
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrConnectTimeout, target)
	}
	return fmt.Errorf("connect %s: %w", target, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// outcome labels an exchange error for logs and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrConnectRefused):
		return "connect_refused"
	case errors.Is(err, ErrProtocolTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "device_error"
	case errors.Is(err, ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
