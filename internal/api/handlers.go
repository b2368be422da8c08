package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
	"github.com/high-horse/fingerprint-fleet/internal/protocol"
)

// reply writes the outcome of one device exchange, keeping whatever the
// device printed even when the exchange failed.
func reply(c *fiber.Ctx, res *protocol.Result, err error) error {
	if err != nil {
		return c.Status(statusCode(err)).JSON(Response{Output: res.Text(), Error: err.Error()})
	}
	return c.JSON(Response{OK: true, Output: res.Text()})
}

func addrParam(c *fiber.Ctx) (string, error) {
	addr, err := url.PathUnescape(c.Params("addr"))
	if err != nil || strings.TrimSpace(addr) == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid device address")
	}
	return strings.Clone(addr), nil
}

func modelParam(c *fiber.Ctx) (int, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "model id must be a non-negative integer")
	}
	return id, nil
}

func (s *Server) listDevices(c *fiber.Ctx) error {
	devices := s.deps.Fleet.List()
	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse(d, s.monitored(d.Address)))
	}
	return c.JSON(out)
}

func (s *Server) getDevice(c *fiber.Ctx) error {
	addr, err := addrParam(c)
	if err != nil {
		return err
	}
	d, ok := s.deps.Fleet.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", fleet.ErrUnknownDevice, addr)
	}
	return c.JSON(deviceResponse(d, s.monitored(addr)))
}

// addDevice registers an address by hand, for devices whose announcements
// never reach this host.
func (s *Server) addDevice(c *fiber.Ctx) error {
	var req AddDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return fiber.NewError(fiber.StatusBadRequest, "address is required")
	}

	d, change := s.deps.Fleet.Add(req.Address)
	status := fiber.StatusOK
	if change == fleet.Discovered {
		status = fiber.StatusCreated
		devlog.Emitf(s.deps.Events, devlog.KindStatus, d.Address, "device added manually: "+d.Address)
	}
	return c.Status(status).JSON(deviceResponse(d, s.monitored(d.Address)))
}

func (s *Server) monitored(addr string) bool {
	return s.deps.Monitor != nil && s.deps.Monitor.Connected(addr)
}

func (s *Server) acquire(c *fiber.Ctx) error {
	addr, err := addrParam(c)
	if err != nil {
		return err
	}
	res, err := s.deps.Controller.Acquire(c.UserContext(), addr)
	return reply(c, res, err)
}

func (s *Server) release(c *fiber.Ctx) error {
	addr, err := addrParam(c)
	if err != nil {
		return err
	}
	res, err := s.deps.Controller.Release(c.UserContext(), addr)
	return reply(c, res, err)
}

func (s *Server) command(run func(context.Context, string) (*protocol.Result, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		addr, err := addrParam(c)
		if err != nil {
			return err
		}
		res, err := run(c.UserContext(), addr)
		return reply(c, res, err)
	}
}

func (s *Server) modelCommand(run func(context.Context, string, int) (*protocol.Result, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		addr, err := addrParam(c)
		if err != nil {
			return err
		}
		id, err := modelParam(c)
		if err != nil {
			return err
		}
		res, err := run(c.UserContext(), addr, id)
		return reply(c, res, err)
	}
}

func (s *Server) enrollAndUpload(c *fiber.Ctx) error {
	addr, err := addrParam(c)
	if err != nil {
		return err
	}
	id, err := modelParam(c)
	if err != nil {
		return err
	}

	enroll, upload, err := s.deps.Controller.EnrollAndUpload(c.UserContext(), addr, id)
	// an upload ends on its OK acknowledgement, so it counts as done when it
	// ran without error
	uploaded := upload != nil && err == nil
	resp := EnrollUploadResponse{
		Enroll: Response{OK: enroll.Succeeded(), Output: enroll.Text()},
		Upload: Response{OK: uploaded, Output: upload.Text()},
	}
	if err != nil {
		resp.Error = err.Error()
		return c.Status(statusCode(err)).JSON(resp)
	}
	resp.OK = enroll.Succeeded() && uploaded
	return c.JSON(resp)
}

func (s *Server) sync(c *fiber.Ctx) error {
	addr, err := addrParam(c)
	if err != nil {
		return err
	}

	report, err := s.deps.Controller.Sync(c.UserContext(), addr)
	resp := SyncResponse{
		Output:    "SYNC COMPLETE: " + report.String(),
		Total:     report.Total,
		Succeeded: report.Succeeded,
		Items:     make([]SyncItem, 0, len(report.Items)),
	}
	for _, it := range report.Items {
		resp.Items = append(resp.Items, SyncItem{ModelID: it.ModelID, OK: it.OK, Message: it.Message})
	}
	if err != nil {
		resp.Output = "SYNC STOPPED: " + report.String()
		resp.Error = err.Error()
		return c.Status(statusCode(err)).JSON(resp)
	}
	resp.OK = report.Succeeded == report.Total
	return c.JSON(resp)
}

func (s *Server) events(c *fiber.Ctx) error {
	out := []EventResponse{}
	if s.deps.Events == nil {
		return c.JSON(out)
	}

	kind := c.Query("kind")
	for _, e := range s.deps.Events.Entries() {
		if kind != "" && string(e.Kind) != kind {
			continue
		}
		out = append(out, EventResponse{Time: e.Time, Source: e.Source, Kind: string(e.Kind), Message: e.Message})
	}
	if limit := c.QueryInt("limit"); limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return c.JSON(out)
}

// match compares two raw sensor captures directly, without the catalog.
func (s *Server) match(c *fiber.Ctx) error {
	start := time.Now()

	var req CompareRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Probe == "" || req.Reference == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Both probe and reference are required")
	}
	probe, err := decodeTemplate(req.Probe)
	if err != nil {
		return err
	}
	reference, err := decodeTemplate(req.Reference)
	if err != nil {
		return err
	}

	score := fingerprint.Score(probe, reference)
	resp := CompareResponse{
		Score:   score,
		Match:   score > s.deps.Threshold,
		Elapsed: time.Since(start).String(),
	}
	if resp.Match {
		resp.Message = fmt.Sprintf("Match found with score: %.2f", score)
	} else {
		resp.Message = fmt.Sprintf("No match found, score: %.2f", score)
	}
	return c.JSON(resp)
}

func (s *Server) listCatalog(c *fiber.Ctx) error {
	entries := s.deps.Catalog.List()
	out := make([]EnrollmentResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, EnrollmentResponse{ID: e.ID, Name: e.Name, Size: len(e.Template), EnrolledAt: e.EnrolledAt})
	}
	return c.JSON(out)
}

func (s *Server) enroll(c *fiber.Ctx) error {
	var req EnrollRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Packets == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Both name and packets are required")
	}
	tpl, err := decodeTemplate(req.Packets)
	if err != nil {
		return err
	}

	e, err := s.deps.Catalog.Enroll(req.Name, tpl)
	if err != nil {
		return err
	}
	s.log.Info("fingerprint enrolled", "id", e.ID, "name", e.Name, "size", len(e.Template))
	return c.Status(fiber.StatusCreated).JSON(EnrollmentResponse{
		ID: e.ID, Name: e.Name, Size: len(e.Template), EnrolledAt: e.EnrolledAt,
	})
}

func (s *Server) removeEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "enrollment id must be an integer")
	}
	if err := s.deps.Catalog.Remove(id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) identify(c *fiber.Ctx) error {
	var req IdentifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Packets == "" {
		return fiber.NewError(fiber.StatusBadRequest, "packets are required")
	}
	query, err := decodeTemplate(req.Packets)
	if err != nil {
		return err
	}

	id := s.deps.Catalog.Identify(query, s.deps.Threshold)
	resp := IdentifyResponse{
		Match:   id.Matched,
		Score:   id.Best.Score,
		Details: id.Scores,
	}
	if id.Matched {
		resp.Name = id.Best.Name
		resp.Message = fmt.Sprintf("Match found: %s, score: %.2f", id.Best.Name, id.Best.Score)
	} else {
		resp.Message = fmt.Sprintf("No match found, best score: %.2f", id.Best.Score)
	}
	return c.JSON(resp)
}

// decodeTemplate decodes a base64 capture, optionally in data-URL form, and
// extracts its template payload.
func decodeTemplate(encoded string) (fingerprint.Template, error) {
	if strings.HasPrefix(encoded, "data:") {
		parts := strings.SplitN(encoded, ",", 2)
		if len(parts) != 2 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid data URL format")
		}
		encoded = parts[1]
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Failed to decode base64: "+err.Error())
	}
	tpl := fingerprint.Extract(raw)
	if len(tpl) == 0 {
		return nil, fiber.NewError(fiber.StatusUnprocessableEntity, "no sensor packets found in capture")
	}
	return tpl, nil
}
