package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
	"github.com/high-horse/fingerprint-fleet/internal/store"
)

// Upload pulls template modelID off the device and hands it to sink. The
// device acknowledges with an OK line and then streams exactly
// fingerprint.TemplateSize raw bytes; a stream that ends early is reported as
// ErrSizeMismatch and nothing reaches the sink.
func (c *Client) Upload(ctx context.Context, addr string, modelID int, sink store.Sink) (res *Result, err error) {
	cmd := WithModel(CmdUpload, modelID)
	s, err := c.open(ctx, addr, cmd)
	if err != nil {
		return &Result{Address: addr, Command: cmd}, err
	}
	defer func() { s.finish(err) }()

	if err := s.send([]byte(cmd.Line())); err != nil {
		return s.res, err
	}
	if err := s.acknowledge(); err != nil {
		return s.res, err
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(c.timeouts.Bulk)); err != nil {
		return s.res, s.ioError("read", err)
	}
	buf := make([]byte, fingerprint.TemplateSize)
	n, err := io.ReadFull(s.r, buf)
	s.res.Bytes = n
	c.metrics.AddTransferBytes("upload", n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return s.res, fmt.Errorf("%w: upload of model %d truncated at %d of %d bytes",
				ErrSizeMismatch, modelID, n, fingerprint.TemplateSize)
		}
		return s.res, s.ioError("read", err)
	}

	if err := sink.Put(ctx, modelID, fingerprint.Template(buf)); err != nil {
		return s.res, fmt.Errorf("store template %d: %w", modelID, err)
	}
	return s.res, nil
}

// Download pushes template modelID from src to the device. The template is
// loaded and size checked before connecting, so a wrong-sized template never
// puts a byte on the wire.
func (c *Client) Download(ctx context.Context, addr string, modelID int, src store.Source) (res *Result, err error) {
	cmd := WithModel(CmdDownload, modelID)

	tpl, err := src.Get(ctx, modelID)
	if err != nil {
		return &Result{Address: addr, Command: cmd}, fmt.Errorf("load template %d: %w", modelID, err)
	}
	if err := tpl.Validate(); err != nil {
		return &Result{Address: addr, Command: cmd}, fmt.Errorf("template %d: %w", modelID, err)
	}

	s, err := c.open(ctx, addr, cmd)
	if err != nil {
		return &Result{Address: addr, Command: cmd}, err
	}
	defer func() { s.finish(err) }()

	if err := s.send([]byte(cmd.Line())); err != nil {
		return s.res, err
	}
	if err := s.acknowledge(); err != nil {
		return s.res, err
	}

	if err := s.send(tpl); err != nil {
		return s.res, err
	}
	s.res.Bytes = len(tpl)
	c.metrics.AddTransferBytes("download", len(tpl))

	if err := s.readUntilTerminal(c.timeouts.Transfer); err != nil {
		return s.res, err
	}
	if err := s.deviceError(); err != nil {
		return s.res, err
	}
	if !s.res.Succeeded() {
		return s.res, fmt.Errorf("%w: no completion for model %d", ErrProtocol, modelID)
	}
	return s.res, nil
}

// acknowledge reads the single line a device answers a transfer command with
// and requires it to start with OK.
func (s *session) acknowledge() error {
	line, err := s.readLine(s.client.timeouts.Transfer)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: connection closed before acknowledgement", ErrProtocol)
	}
	if err != nil {
		return err
	}
	s.res.Lines = append(s.res.Lines, line)
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("%w: %s", ErrProtocol, line)
	}
	return nil
}
