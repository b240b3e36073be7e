package handlers

import (
	"bufio"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/stream"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

// StreamHandler serves the live notification stream.
type StreamHandler struct {
	registry  *stream.Registry
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewStreamHandler constructs handler.
func NewStreamHandler(registry *stream.Registry, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{registry: registry, heartbeat: heartbeat, logger: logger}
}

// Stream GET /notifications/:identity. The connection is registered before
// the response starts and unregistered when the client goes away.
func (h *StreamHandler) Stream(c *fiber.Ctx) error {
	identity, err := auth.PathIdentity(c, "identity")
	if err != nil {
		return err
	}
	conn, err := h.registry.Open(identity)
	if errors.Is(err, stream.ErrRegistryClosed) {
		return apperrors.NewUnavailable("notification stream", err)
	}
	if err != nil {
		return err
	}

	setEventStreamHeaders(c)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.registry.Unregister(identity, conn)
		h.logger.Debug("stream opened", zap.String("identity", identity), zap.String("conn_id", conn.ID()))
		if err := conn.Serve(w, h.heartbeat); err != nil {
			h.logger.Debug("stream closed by client", zap.String("identity", identity), zap.Error(err))
		}
	}))
	return nil
}

func setEventStreamHeaders(c *fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
}
