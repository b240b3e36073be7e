package feedclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func writeEvent(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/notifications/team%2Falice" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]Notification{note("n2", 2), note("n1", 1)}) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, "test-token")
	items, err := c.History(context.Background(), "team/alice")
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if !equalIDs(items, "n2", "n1") {
		t.Errorf("items = %v, want [n2 n1]", ids(items))
	}
}

func TestHTTPErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"FORBIDDEN","message":"cannot act as bob"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.History(context.Background(), "bob")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("IsStatus(403) = false for %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "FORBIDDEN" {
		t.Fatalf("error = %#v, want FORBIDDEN code", err)
	}
	if !strings.Contains(err.Error(), "cannot act as bob") {
		t.Errorf("error = %q, want server message", err.Error())
	}
}

func TestTrigger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/notifications/trigger" {
			http.NotFound(w, r)
			return
		}
		var req TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"data": Notification{ //nolint:errcheck
			ID: "n1", UserID: req.UserID, Message: req.Message, Type: req.Type, CreatedAt: base,
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "svc")
	n, err := c.Trigger(context.Background(), TriggerRequest{UserID: "alice", Message: "hi", Type: "warning"})
	if err != nil {
		t.Fatalf("Trigger() error: %v", err)
	}
	if n.ID != "n1" || n.UserID != "alice" || n.Type != "warning" {
		t.Errorf("Trigger() = %+v", n)
	}
}

func TestStreamParsesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, Notification{Type: TypeConnectionAck, CreatedAt: base})
		fmt.Fprint(w, ": keepalive\n\n")
		writeEvent(t, w, note("n1", 1))
	}))
	defer srv.Close()

	var got []Notification
	err := New(srv.URL, "").Stream(context.Background(), "alice", func(n Notification) {
		got = append(got, n)
	})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Stream() error = %v, want ErrStreamClosed", err)
	}
	if len(got) != 2 || got[0].Type != TypeConnectionAck || got[1].ID != "n1" {
		t.Fatalf("frames = %+v", got)
	}
}

func TestReadEventsJoinsMultilineData(t *testing.T) {
	body := "data: {\"id\":\ndata: \"n1\"}\n\n"
	var got []string
	err := readEvents(context.Background(), strings.NewReader(body), func(b []byte) {
		got = append(got, string(b))
	})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("readEvents() error = %v", err)
	}
	if len(got) != 1 || got[0] != "{\"id\":\n\"n1\"}" {
		t.Fatalf("events = %q", got)
	}
}

// The first stream session replays an event already in history and then
// drops, the second stays open. The feed must end up with every id once.
func TestRunReconnectsAndDedups(t *testing.T) {
	var (
		mu       sync.Mutex
		sessions int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/alice":
			json.NewEncoder(w).Encode([]Notification{note("n2", 2), note("n1", 1)}) //nolint:errcheck
		case "/notifications/alice":
			mu.Lock()
			sessions++
			n := sessions
			mu.Unlock()

			w.Header().Set("Content-Type", "text/event-stream")
			writeEvent(t, w, Notification{Type: TypeConnectionAck, CreatedAt: base})
			if n == 1 {
				writeEvent(t, w, note("n2", 2))
				writeEvent(t, w, note("n3", 3))
				return
			}
			writeEvent(t, w, note("n4", 4))
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := make(chan View, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, "alice", func(v View) {
			select {
			case views <- v:
			default:
			}
		})
	}()

	var (
		sawReconnecting bool
		final           View
	)
	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case v := <-views:
			if v.Status == StatusReconnecting {
				sawReconnecting = true
			}
			if len(v.Items) == 4 && v.Status == StatusConnected {
				final = v
				break wait
			}
		case <-deadline:
			t.Fatal("feed never reached four items")
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !sawReconnecting {
		t.Error("status never became reconnecting")
	}
	seen := map[string]int{}
	for _, n := range final.Items {
		seen[n.ID]++
	}
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		if seen[id] != 1 {
			t.Errorf("id %s appears %d times", id, seen[id])
		}
	}
	if final.Items[0].ID != "n4" {
		t.Errorf("newest item = %s, want n4", final.Items[0].ID)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var last View
	err := c.Run(ctx, "alice", func(v View) { last = v })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if last.Status != StatusReconnecting {
		t.Errorf("last status = %q, want reconnecting", last.Status)
	}
}
