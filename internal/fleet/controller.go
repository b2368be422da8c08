package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/protocol"
	"github.com/high-horse/fingerprint-fleet/internal/store"
)

// Dropper closes a passive monitoring connection. The continuous monitor
// implements it.
type Dropper interface {
	Drop(addr string)
}

type Options struct {
	// UploadDelay is the pause between a successful ENROLL and the upload of
	// the new template.
	UploadDelay time.Duration
	// SyncPause spaces consecutive downloads during Sync.
	SyncPause time.Duration
}

func DefaultOptions() Options {
	return Options{
		UploadDelay: time.Second,
		SyncPause:   500 * time.Millisecond,
	}
}

// Controller is the exclusive-control state machine. Acquire and Release move
// a device between Unmanaged and Managed; every other operation requires the
// target to hold the lease.
type Controller struct {
	fleet     *Fleet
	client    *protocol.Client
	templates store.Templates
	monitor   Dropper
	events    devlog.Sink
	log       *slog.Logger
	opts      Options
}

func NewController(f *Fleet, client *protocol.Client, templates store.Templates, monitor Dropper, events devlog.Sink, log *slog.Logger, opts Options) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		fleet:     f,
		client:    client,
		templates: templates,
		monitor:   monitor,
		events:    events,
		log:       log.With("component", "controller"),
		opts:      opts,
	}
}

// Acquire takes exclusive control of addr. The monitor connection is dropped
// before MANAGE is sent; if MANAGE fails the device returns to Unmanaged and
// becomes eligible for monitoring again.
func (c *Controller) Acquire(ctx context.Context, addr string) (*protocol.Result, error) {
	if err := c.fleet.reserve(addr); err != nil {
		return nil, err
	}
	if c.monitor != nil {
		c.monitor.Drop(addr)
	}

	res, err := c.client.Do(ctx, addr, protocol.Simple(protocol.CmdManage))
	if err != nil {
		c.fleet.abandon(addr)
		return res, err
	}

	c.fleet.commit(addr)
	c.log.Info("device managed", "device", addr)
	devlog.Emitf(c.events, devlog.KindStatus, addr, "manage mode on")
	return res, nil
}

// Release sends NORMAL and returns addr to Unmanaged whatever the device
// answers. The command's outcome is still reported.
func (c *Controller) Release(ctx context.Context, addr string) (*protocol.Result, error) {
	if err := c.fleet.CheckManaged(addr); err != nil {
		return nil, err
	}

	res, cmdErr := c.client.Do(ctx, addr, protocol.Simple(protocol.CmdNormal))
	if err := c.fleet.release(addr); err != nil {
		return res, err
	}
	c.log.Info("device released", "device", addr, "normal_error", cmdErr)
	devlog.Emitf(c.events, devlog.KindStatus, addr, "manage mode off")
	return res, cmdErr
}

func (c *Controller) Search(ctx context.Context, addr string) (*protocol.Result, error) {
	return c.do(ctx, addr, protocol.Simple(protocol.CmdSearch))
}

func (c *Controller) List(ctx context.Context, addr string) (*protocol.Result, error) {
	return c.do(ctx, addr, protocol.Simple(protocol.CmdList))
}

// Empty erases every template on the device.
func (c *Controller) Empty(ctx context.Context, addr string) (*protocol.Result, error) {
	return c.do(ctx, addr, protocol.Simple(protocol.CmdEmpty))
}

func (c *Controller) Delete(ctx context.Context, addr string, modelID int) (*protocol.Result, error) {
	return c.do(ctx, addr, protocol.WithModel(protocol.CmdDelete, modelID))
}

func (c *Controller) Enroll(ctx context.Context, addr string, modelID int) (*protocol.Result, error) {
	return c.do(ctx, addr, protocol.WithModel(protocol.CmdEnroll, modelID))
}

// Upload copies template modelID from the device into the template store.
func (c *Controller) Upload(ctx context.Context, addr string, modelID int) (*protocol.Result, error) {
	if err := c.fleet.CheckManaged(addr); err != nil {
		return nil, err
	}
	return c.client.Upload(ctx, addr, modelID, c.templates)
}

// Download copies template modelID from the template store onto the device.
func (c *Controller) Download(ctx context.Context, addr string, modelID int) (*protocol.Result, error) {
	if err := c.fleet.CheckManaged(addr); err != nil {
		return nil, err
	}
	return c.client.Download(ctx, addr, modelID, c.templates)
}

// EnrollAndUpload enrolls modelID and, once the device reports SUCCESS,
// uploads the new template into the store.
func (c *Controller) EnrollAndUpload(ctx context.Context, addr string, modelID int) (enroll, upload *protocol.Result, err error) {
	enroll, err = c.Enroll(ctx, addr, modelID)
	if err != nil || !enroll.Succeeded() {
		return enroll, nil, err
	}

	select {
	case <-time.After(c.opts.UploadDelay):
	case <-ctx.Done():
		return enroll, nil, ctx.Err()
	}

	upload, err = c.Upload(ctx, addr, modelID)
	return enroll, upload, err
}

// SyncItem is the outcome of one template during Sync.
type SyncItem struct {
	ModelID int
	OK      bool
	Message string
}

type SyncReport struct {
	Total     int
	Succeeded int
	Items     []SyncItem
}

func (r SyncReport) String() string {
	return fmt.Sprintf("%d of %d templates downloaded", r.Succeeded, r.Total)
}

// Sync downloads every template in the store to addr, one at a time. A
// failing template is recorded and skipped; losing the lease stops the sync.
func (c *Controller) Sync(ctx context.Context, addr string) (SyncReport, error) {
	var report SyncReport
	if err := c.fleet.CheckManaged(addr); err != nil {
		return report, err
	}

	ids, err := c.templates.IDs(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(ids)

	for i, id := range ids {
		if i > 0 {
			select {
			case <-time.After(c.opts.SyncPause):
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}

		res, err := c.Download(ctx, addr, id)
		item := SyncItem{ModelID: id, OK: err == nil, Message: res.Text()}
		if err != nil {
			item.Message = err.Error()
			if errors.Is(err, ErrNotManaged) || ctx.Err() != nil {
				report.Items = append(report.Items, item)
				return report, err
			}
		} else {
			report.Succeeded++
		}
		report.Items = append(report.Items, item)
	}

	c.log.Info("sync complete", "device", addr, "succeeded", report.Succeeded, "total", report.Total)
	return report, nil
}

func (c *Controller) do(ctx context.Context, addr string, cmd protocol.Command) (*protocol.Result, error) {
	if err := c.fleet.CheckManaged(addr); err != nil {
		return nil, err
	}
	return c.client.Do(ctx, addr, cmd)
}
