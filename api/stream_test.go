package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

func readEvent(t *testing.T, r *bufio.Reader) tasksResponse {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var resp tasksResponse
		if err := sonic.UnmarshalString(strings.TrimPrefix(strings.TrimSpace(line), "data: "), &resp); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		return resp
	}
}

func TestStreamSendsBoardOnConnectAndChange(t *testing.T) {
	store := &mockStore{tasks: boardTasks()}
	broker := NewBroker()
	e := newTestServer(t, Services{Store: store, Broker: broker})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?token=a.b.c", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if first := readEvent(t, r); len(first.Tasks) != 3 {
		t.Fatalf("expected initial board, got %#v", first)
	}

	if _, err := store.MoveTask(ctx, "user", domain.Move{TaskID: "A", Status: domain.Done, OrderIndex: 0}); err != nil {
		t.Fatalf("move: %v", err)
	}
	broker.Notify("user")

	second := readEvent(t, r)
	found := false
	for _, task := range second.Tasks {
		if task.ID == "A" && task.Status == domain.Done {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected moved task in pushed board, got %#v", second.Tasks)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for broker.subscribers("user") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamUnauthorized(t *testing.T) {
	e := newTestServer(t, Services{Store: &mockStore{}})
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBrokerNotifyCoalesces(t *testing.T) {
	b := NewBroker()
	ch := b.subscribe("user")
	other := b.subscribe("other")

	b.Notify("user")
	b.Notify("user")

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-ch:
		t.Fatal("notifications should coalesce")
	default:
	}
	select {
	case <-other:
		t.Fatal("other users must not be notified")
	default:
	}

	b.unsubscribe("user", ch)
	if b.subscribers("user") != 0 {
		t.Fatal("expected user to be removed")
	}
}

func TestSubscribeBoardChanges(t *testing.T) {
	_, client := newTestRedis(t)
	logger, _ := test.NewNullLogger()
	broker := NewBroker()
	ch := broker.subscribe("user")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SubscribeBoardChanges(ctx, client, "board-changed", broker, logger)
		close(done)
	}()

	payload, _ := sonic.MarshalString(domain.BoardChanged{UserID: "user"})
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ch:
			break wait
		case <-ticker.C:
			// the subscription is established asynchronously
			_ = client.Publish(ctx, "board-changed", payload).Err()
		case <-deadline:
			t.Fatal("notification was not forwarded")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
