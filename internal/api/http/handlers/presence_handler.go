package handlers

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/api/dto"
	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/service"
	"github.com/fieldops/dispatch/internal/stream"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

const (
	sessionIdentityKey   = "presence_identity"
	sessionDepartmentKey = "presence_department"
	leaveTimeout       = 5 * time.Second
)

// PresenceHandler serves staff presence reports, zone reads and zone watches.
type PresenceHandler struct {
	service   *service.PresenceService
	lease     time.Duration
	heartbeat time.Duration
	logger    *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPresenceHandler constructs handler.
func NewPresenceHandler(presenceService *service.PresenceService, lease, heartbeat time.Duration, logger *zap.Logger) *PresenceHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &PresenceHandler{service: presenceService, lease: lease, heartbeat: heartbeat, logger: logger, done: make(chan struct{})}
}

// Close ends every open zone watch stream.
func (h *PresenceHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Report PUT /api/presence/:department/:identity.
func (h *PresenceHandler) Report(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	var req dto.ReportRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	rec, err := h.service.Report(c.UserContext(), reportInput(department, identity, req))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Leave DELETE /api/presence/:department/:identity.
func (h *PresenceHandler) Leave(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	removed, err := h.service.Leave(c.UserContext(), department, identity)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.LeaveResponse{Removed: removed}})
}

// Zone GET /api/presence/:department/zone?lat=&lng=.
func (h *PresenceHandler) Zone(c *fiber.Ctx) error {
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	lat, lng := c.QueryFloat("lat", 1000), c.QueryFloat("lng", 1000)
	gh, err := h.service.Zone(lat, lng)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.ZoneResponse{
		Department: department,
		Geohash:    gh,
		Lat:        lat,
		Lng:        lng,
	}})
}

// Staff GET /api/presence/:department/:geohash/staff.
func (h *PresenceHandler) Staff(c *fiber.Ctx) error {
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	recs, err := h.service.Staff(c.UserContext(), department, c.Params("geohash"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": recs})
}

// Assignee GET /api/presence/:department/:geohash/assignee.
func (h *PresenceHandler) Assignee(c *fiber.Ctx) error {
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	rec, err := h.service.PickAssignee(c.UserContext(), department, c.Params("geohash"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Watch GET /presence/:department/:geohash/watch streams a snapshot of the
// zone followed by its added/updated/removed events.
func (h *PresenceHandler) Watch(c *fiber.Ctx) error {
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	gh := c.Params("geohash")
	ctx, cancel := context.WithCancel(context.Background())
	snapshot, events, err := h.service.Watch(ctx, department, gh)
	if err != nil {
		cancel()
		return err
	}
	first, err := stream.EncodeFrame(dto.ZoneSnapshot{Kind: "snapshot", Records: snapshot})
	if err != nil {
		cancel()
		return apperrors.NewInternalError(err)
	}

	setEventStreamHeaders(c)
	heartbeat := h.heartbeat
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		if err := writeFlush(w, first); err != nil {
			return
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				frame, err := stream.EncodeFrame(ev)
				if err != nil {
					h.logger.Warn("encode zone event", zap.Error(err))
					continue
				}
				if err := writeFlush(w, frame); err != nil {
					return
				}
			case <-ticker.C:
				if err := writeFlush(w, []byte(": heartbeat\n\n")); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

// Upgrade admits websocket requests to Session and remembers the identity.
func (h *PresenceHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	department, err := auth.PathParam(c, "department")
	if err != nil {
		return err
	}
	c.Locals(sessionIdentityKey, identity)
	c.Locals(sessionDepartmentKey, department)
	return c.Next()
}

// Session GET /ws/presence/:department/:identity. Each text frame is a
// ReportRequest. The record is removed when the socket closes or stays
// silent past the lease.
func (h *PresenceHandler) Session() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		department, _ := conn.Locals(sessionDepartmentKey).(string)
		identity, _ := conn.Locals(sessionIdentityKey).(string)
		session := uuid.NewString()
		logger := h.logger.With(zap.String("department", department), zap.String("identity", identity), zap.String("session", session))
		logger.Debug("presence session opened")

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			defer cancel()
			if _, err := h.service.LeaveSession(ctx, department, identity, session); err != nil {
				logger.Warn("presence leave on disconnect failed", zap.Error(err))
			}
			logger.Debug("presence session closed")
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(h.lease))
			var req dto.ReportRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			in := reportInput(department, identity, req)
			in.Session = session
			rec, err := h.service.Report(ctx, in)
			cancel()
			var reply any = fiber.Map{"data": rec}
			if err != nil {
				de := apperrors.ToDomainError(err)
				reply = fiber.Map{"error": fiber.Map{"code": de.Code, "message": de.Message, "details": de.Details}}
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	})
}

func reportInput(department, identity string, req dto.ReportRequest) service.ReportInput {
	in := service.ReportInput{
		Department:  department,
		Identity:    identity,
		DisplayName: req.DisplayName,
		Contact:     req.Contact,
		Lat:         req.Lat,
		Lng:         req.Lng,
		Status:      domain.PresenceStatus(req.Status),
	}
	if req.LastSeen != nil {
		in.LastSeen = *req.LastSeen
	}
	return in
}

func writeFlush(w *bufio.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return w.Flush()
}

