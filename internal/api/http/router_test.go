package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/api/http/handlers"
	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/observability"
	"github.com/fieldops/dispatch/internal/persistence"
	"github.com/fieldops/dispatch/internal/presence"
	"github.com/fieldops/dispatch/internal/queue"
	"github.com/fieldops/dispatch/internal/repository"
	"github.com/fieldops/dispatch/internal/service"
	"github.com/fieldops/dispatch/internal/stream"
)

type testServer struct {
	app      *fiber.App
	registry *stream.Registry
	queue    *queue.Memory
	tokens   *auth.TokenManager
	redis    *miniredis.Miniredis
	presence *service.PresenceService
	zones    *handlers.PresenceHandler
}

func newTestServer(t *testing.T, authEnabled bool) *testServer {
	t.Helper()
	return newTestServerWithLease(t, authEnabled, 30*time.Second)
}

// newTestServerWithLease sets the websocket read deadline to sessionLease.
func newTestServerWithLease(t *testing.T, authEnabled bool, sessionLease time.Duration) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	db, err := persistence.NewSQLite(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(db.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewMemory()
	registry := stream.NewRegistry(8, metrics, logger)
	notifications := service.NewNotificationService(service.NotificationDependencies{
		History:   repository.NewSQLiteNotificationRepository(db.DB),
		Publisher: q,
		Metrics:   metrics,
		Logger:    logger,
		Retry:     config.RetryConfig{InitialMs: 1, MaxMs: 5, PublishMaxRetries: 1},
	})
	t.Cleanup(func() { _ = notifications.Close(context.Background()) })
	presenceSvc := service.NewPresenceService(presence.NewRedisStore(rdb, "staff", 30*time.Second, logger), metrics, logger)
	tokens := auth.NewTokenManager("test-secret", 5)
	zones := handlers.NewPresenceHandler(presenceSvc, sessionLease, time.Hour, logger)

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("fieldops-dispatch", "test", map[string]handlers.Pinger{"queue": q}, metrics, registry),
		Notifications:  handlers.NewNotificationsHandler(notifications),
		Stream:         handlers.NewStreamHandler(registry, time.Hour, logger),
		Presence:       zones,
		AuthMiddleware: auth.NewAuthMiddleware(tokens, authEnabled),
	})
	return &testServer{app: app, registry: registry, queue: q, tokens: tokens, redis: mr, presence: presenceSvc, zones: zones}
}

func (s *testServer) do(t *testing.T, method, target string, body any, token string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := s.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestTriggerAndHistory(t *testing.T) {
	s := newTestServer(t, false)

	status, body := s.do(t, fiber.MethodPost, "/api/notifications/trigger",
		map[string]string{"userId": "auth0|u1", "message": "Outage reported", "type": "warning"}, "")
	if status != fiber.StatusCreated {
		t.Fatalf("trigger status = %d body=%s", status, body)
	}
	var created struct {
		Data domain.Notification `json:"data"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if created.Data.ID == "" || created.Data.Kind != domain.NotificationKindWarning {
		t.Fatalf("created = %+v", created.Data)
	}

	status, body = s.do(t, fiber.MethodGet, "/api/notifications/auth0%7Cu1", nil, "")
	if status != fiber.StatusOK {
		t.Fatalf("history status = %d body=%s", status, body)
	}
	var items []domain.Notification
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("history is not an array: %s", body)
	}
	if len(items) != 1 || items[0].ID != created.Data.ID {
		t.Fatalf("history = %+v", items)
	}

	status, body = s.do(t, fiber.MethodGet, "/api/notifications/auth0%7Cu1/unread-count", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"unread":1`) {
		t.Fatalf("unread-count = %d %s", status, body)
	}
	status, _ = s.do(t, fiber.MethodPut, "/api/notifications/auth0%7Cu1/"+created.Data.ID+"/read", nil, "")
	if status != fiber.StatusNoContent {
		t.Fatalf("mark read status = %d", status)
	}
	status, body = s.do(t, fiber.MethodPut, "/api/notifications/auth0%7Cu1/read-all", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"updated":0`) {
		t.Fatalf("read-all = %d %s", status, body)
	}
}

func TestErrorsRender(t *testing.T) {
	s := newTestServer(t, false)
	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"missing message", fiber.MethodPost, "/api/notifications/trigger", map[string]string{"userId": "u1"}, fiber.StatusBadRequest, "VALIDATION_FAILED"},
		{"control kind", fiber.MethodPost, "/api/notifications/trigger", map[string]string{"userId": "u1", "message": "x", "type": "heartbeat"}, fiber.StatusBadRequest, "VALIDATION_FAILED"},
		{"unknown notification", fiber.MethodPut, "/api/notifications/u1/nope/read", nil, fiber.StatusNotFound, "NOT_FOUND"},
		{"unknown route", fiber.MethodGet, "/nowhere", nil, fiber.StatusNotFound, "NOT_FOUND"},
		{"bad zone coords", fiber.MethodGet, "/api/presence/electricity/zone?lat=200&lng=0", nil, fiber.StatusBadRequest, "VALIDATION_FAILED"},
		{"websocket without upgrade", fiber.MethodGet, "/ws/presence/electricity/s1", nil, fiber.StatusUpgradeRequired, "UPGRADE_REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, tt.method, tt.target, tt.body, "")
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%s)", status, tt.status, body)
			}
			var e errorBody
			if err := json.Unmarshal(body, &e); err != nil || e.Error.Code != tt.code {
				t.Fatalf("error body = %s, want code %s", body, tt.code)
			}
		})
	}
}

func TestAuthEnforced(t *testing.T) {
	s := newTestServer(t, true)
	staff, _, _ := s.tokens.GenerateToken("auth0|s1", domain.RoleStaff)
	producer, _, _ := s.tokens.GenerateToken("billing", domain.RoleService)

	trigger := map[string]string{"userId": "auth0|s1", "message": "hi"}
	if status, _ := s.do(t, fiber.MethodPost, "/api/notifications/trigger", trigger, ""); status != fiber.StatusUnauthorized {
		t.Fatalf("anonymous trigger status = %d", status)
	}
	if status, _ := s.do(t, fiber.MethodPost, "/api/notifications/trigger", trigger, staff); status != fiber.StatusForbidden {
		t.Fatalf("staff trigger status = %d", status)
	}
	if status, _ := s.do(t, fiber.MethodPost, "/api/notifications/trigger", trigger, producer); status != fiber.StatusCreated {
		t.Fatalf("service trigger status = %d", status)
	}
	if status, _ := s.do(t, fiber.MethodGet, "/api/notifications/auth0%7Cs1", nil, staff); status != fiber.StatusOK {
		t.Fatalf("own history status = %d", status)
	}
	if status, _ := s.do(t, fiber.MethodGet, "/api/notifications/auth0%7Cs2", nil, staff); status != fiber.StatusForbidden {
		t.Fatalf("foreign history status = %d", status)
	}
	if status, _ := s.do(t, fiber.MethodGet, "/api/presence/electricity/u4pru/staff", nil, staff); status != fiber.StatusForbidden {
		t.Fatalf("staff zone read status = %d", status)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	report := map[string]any{"lat": 57.64911, "lng": 10.40744, "status": "BUSY", "displayName": "Crew 7"}

	status, body := s.do(t, fiber.MethodPut, "/api/presence/electricity/auth0%7Cs1", report, "")
	if status != fiber.StatusOK {
		t.Fatalf("report status = %d body=%s", status, body)
	}
	var rec struct {
		Data domain.PresenceRecord `json:"data"`
	}
	_ = json.Unmarshal(body, &rec)
	if rec.Data.Geohash != "u4pru" || rec.Data.Identity != "auth0|s1" {
		t.Fatalf("record = %+v", rec.Data)
	}

	status, body = s.do(t, fiber.MethodGet, "/api/presence/electricity/zone?lat=57.64911&lng=10.40744", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"geohash":"u4pru"`) {
		t.Fatalf("zone = %d %s", status, body)
	}
	status, body = s.do(t, fiber.MethodGet, "/api/presence/electricity/u4pru/staff", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"identity":"auth0|s1"`) {
		t.Fatalf("staff = %d %s", status, body)
	}
	status, body = s.do(t, fiber.MethodGet, "/api/presence/electricity/u4pru/assignee", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"displayName":"Crew 7"`) {
		t.Fatalf("assignee = %d %s", status, body)
	}

	status, body = s.do(t, fiber.MethodDelete, "/api/presence/electricity/auth0%7Cs1", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"removed":true`) {
		t.Fatalf("leave = %d %s", status, body)
	}
	status, _ = s.do(t, fiber.MethodGet, "/api/presence/electricity/u4pru/assignee", nil, "")
	if status != fiber.StatusNotFound {
		t.Fatalf("assignee after leave status = %d", status)
	}
}

func TestPresenceEscapedDepartment(t *testing.T) {
	s := newTestServer(t, false)
	report := map[string]any{"lat": 57.64911, "lng": 10.40744}

	status, body := s.do(t, fiber.MethodPut, "/api/presence/field%20ops/bob", report, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"department":"field ops"`) {
		t.Fatalf("report = %d %s", status, body)
	}
	staff, err := s.presence.Staff(context.Background(), "field ops", "u4pru")
	if err != nil || len(staff) != 1 {
		t.Fatalf("Staff(field ops) = %+v, %v", staff, err)
	}
	status, body = s.do(t, fiber.MethodGet, "/api/presence/field%20ops/u4pru/staff", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"identity":"bob"`) {
		t.Fatalf("staff = %d %s", status, body)
	}
	status, _ = s.do(t, fiber.MethodDelete, "/api/presence/field%20ops/bob", nil, "")
	if status != fiber.StatusOK {
		t.Fatalf("leave status = %d", status)
	}
	if staff, _ := s.presence.Staff(context.Background(), "field ops", "u4pru"); len(staff) != 0 {
		t.Fatalf("Staff(field ops) after leave = %+v", staff)
	}
}

func TestNotificationStream(t *testing.T) {
	s := newTestServer(t, false)

	type result struct {
		resp *nethttp.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.app.Test(httptest.NewRequest(fiber.MethodGet, "/notifications/auth0%7Cu1", nil), 5000)
		done <- result{resp, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.registry.Connections("auth0|u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	delivered := s.registry.Deliver("auth0|u1", domain.Notification{
		ID: "n1", UserID: "auth0|u1", Message: "hello", Kind: domain.NotificationKindInfo, CreatedAt: time.Now().UTC(),
	})
	if delivered != 1 {
		t.Fatalf("Deliver() = %d, want 1", delivered)
	}
	time.Sleep(100 * time.Millisecond)
	s.registry.Close()

	r := <-done
	if r.err != nil {
		t.Fatalf("stream request error = %v", r.err)
	}
	defer r.resp.Body.Close()
	if ct := r.resp.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(r.resp.Body)
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(frames) < 2 {
		t.Fatalf("frames = %q", body)
	}
	if !strings.Contains(frames[0], `"type":"connection_ack"`) {
		t.Fatalf("first frame = %q", frames[0])
	}
	if !strings.Contains(frames[1], `"id":"n1"`) {
		t.Fatalf("second frame = %q", frames[1])
	}
	if s.registry.Connections("auth0|u1") != 0 {
		t.Fatal("stream not unregistered")
	}
}

func TestZoneWatchStream(t *testing.T) {
	s := newTestServer(t, false)
	gh, err := presence.ZoneOf(57.64911, 10.40744)
	if err != nil {
		t.Fatalf("ZoneOf() error = %v", err)
	}

	type result struct {
		resp *nethttp.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.app.Test(httptest.NewRequest(fiber.MethodGet, "/presence/electricity/"+gh+"/watch", nil), 5000)
		done <- result{resp, err}
	}()

	channel := "staff/electricity/" + gh
	deadline := time.Now().Add(2 * time.Second)
	for s.redis.PubSubNumSub(channel)[channel] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.presence.Report(context.Background(), service.ReportInput{
		Department: "electricity", Identity: "bob", Lat: 57.64911, Lng: 10.40744,
	}); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	s.zones.Close()

	r := <-done
	if r.err != nil {
		t.Fatalf("watch request error = %v", r.err)
	}
	defer r.resp.Body.Close()
	body, _ := io.ReadAll(r.resp.Body)
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(frames) < 2 {
		t.Fatalf("frames = %q", body)
	}
	if !strings.Contains(frames[0], `"kind":"snapshot"`) {
		t.Fatalf("first frame = %q", frames[0])
	}
	if !strings.Contains(frames[1], `"kind":"added"`) || !strings.Contains(frames[1], `"identity":"bob"`) {
		t.Fatalf("second frame = %q", frames[1])
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, true)
	if status, _ := s.do(t, fiber.MethodGet, "/health/live", nil, ""); status != fiber.StatusOK {
		t.Fatalf("live status = %d", status)
	}
	if status, body := s.do(t, fiber.MethodGet, "/health/ready", nil, ""); status != fiber.StatusOK {
		t.Fatalf("ready status = %d %s", status, body)
	}
	status, body := s.do(t, fiber.MethodGet, "/health/metrics", nil, "")
	if status != fiber.StatusOK || !strings.Contains(string(body), `"connections":0`) {
		t.Fatalf("metrics = %d %s", status, body)
	}

	_ = s.queue.Close()
	if status, _ := s.do(t, fiber.MethodGet, "/health/ready", nil, ""); status != fiber.StatusServiceUnavailable {
		t.Fatalf("ready with closed queue status = %d", status)
	}
}
