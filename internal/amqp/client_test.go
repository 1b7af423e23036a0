package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	published []amqp091.Publishing
	keys      []string
	err       error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) IsClosed() bool { return f.closed }
func (f *fakeChannel) Close() error   { f.closed = true; return nil }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newFakeClient(cfg Config, ch *fakeChannel) (*Client, *int) {
	dials := 0
	c := newClient(cfg, func(string, string) (io.Closer, channel, error) {
		dials++
		ch.closed = false
		return nopCloser{}, ch, nil
	})
	return c, &dials
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"closed connection", errors.New("connection closed"), true},
		{"EOF", io.EOF, true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"closed network connection", errors.New("use of closed network connection"), true},
		{"amqp closed", amqp091.ErrClosed, true},
		{"access refused", errors.New("Exception (403) Reason: \"ACCESS_REFUSED\""), false},
		{"other error", errors.New("some other error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.expected {
				t.Errorf("isConnectionError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClient_Publish(t *testing.T) {
	ch := &fakeChannel{}
	client, dials := newFakeClient(Config{URL: "amqp://test", Exchange: "ledger"}, ch)
	client.now = func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) }

	payload := map[string]any{"id": 1, "amount": -12.5}
	if err := client.Publish(context.Background(), "transaction.posted", payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if *dials != 1 {
		t.Errorf("dials = %d, want lazy connect once", *dials)
	}
	if len(ch.published) != 1 || ch.keys[0] != "transaction.posted" {
		t.Fatalf("published = %v keys = %v", ch.published, ch.keys)
	}

	msg := ch.published[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp091.Persistent || msg.Type != "transaction.posted" {
		t.Errorf("publishing = %+v", msg)
	}

	event, err := LedgerEventFromJSON(msg.Body)
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != "transaction.posted" || !event.OccurredAt.Equal(client.now()) {
		t.Errorf("event = %+v", event)
	}
	var data map[string]any
	if err := json.Unmarshal(event.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["amount"] != -12.5 {
		t.Errorf("data = %v", data)
	}
}

func TestClient_PublishRoutingKeyOverride(t *testing.T) {
	ch := &fakeChannel{}
	client, _ := newFakeClient(Config{Exchange: "ledger", RoutingKey: "ledger.events"}, ch)

	if err := client.Publish(context.Background(), "account.created", struct{}{}); err != nil {
		t.Fatal(err)
	}
	if ch.keys[0] != "ledger.events" {
		t.Errorf("routing key = %q", ch.keys[0])
	}
}

func TestClient_Reconnects(t *testing.T) {
	ch := &fakeChannel{}
	client, dials := newFakeClient(Config{Exchange: "ledger"}, ch)

	if err := client.Publish(context.Background(), "a", 1); err != nil {
		t.Fatal(err)
	}
	ch.closed = true
	if err := client.Publish(context.Background(), "b", 2); err != nil {
		t.Fatal(err)
	}
	if *dials != 2 {
		t.Errorf("dials = %d, want 2", *dials)
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	ch := &fakeChannel{err: errors.New("connection reset by peer")}
	client, _ := newFakeClient(Config{Exchange: "ledger"}, ch)
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	t.Run("initial state is closed", func(t *testing.T) {
		if client.isCircuitOpen() {
			t.Error("circuit breaker should be closed initially")
		}
	})

	t.Run("failures open the circuit", func(t *testing.T) {
		for i := 0; i < maxFailures; i++ {
			if err := client.Publish(context.Background(), "a", 1); err == nil {
				t.Fatal("expected publish error")
			}
		}
		err := client.Publish(context.Background(), "a", 1)
		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("error = %v, want circuit open", err)
		}
		if !strings.Contains(err.Error(), "circuit breaker is open") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("half-open after timeout and closes on success", func(t *testing.T) {
		now = now.Add(openTimeout + time.Second)
		if client.isCircuitOpen() {
			t.Fatal("circuit should be half-open after timeout")
		}
		if client.state != StateHalfOpen {
			t.Errorf("state = %d, want half-open", client.state)
		}

		ch.err = nil
		if err := client.Publish(context.Background(), "a", 1); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if client.state != StateClosed || client.failureCount != 0 {
			t.Errorf("state = %d failures = %d", client.state, client.failureCount)
		}
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		client.state = StateHalfOpen
		ch.err = errors.New("broken pipe")
		client.Publish(context.Background(), "a", 1)
		if client.state != StateOpen {
			t.Errorf("state = %d, want open", client.state)
		}
	})
}

func TestClient_PublishRespectsContext(t *testing.T) {
	client, dials := newFakeClient(Config{Exchange: "ledger"}, &fakeChannel{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.Publish(ctx, "a", 1); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if *dials != 0 {
		t.Errorf("dials = %d, want 0", *dials)
	}
}

func TestClient_Close(t *testing.T) {
	ch := &fakeChannel{}
	client, _ := newFakeClient(Config{Exchange: "ledger"}, ch)
	client.Publish(context.Background(), "a", 1)

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if !ch.closed {
		t.Error("channel not closed")
	}
	if err := client.Publish(context.Background(), "a", 1); err == nil {
		t.Error("publish after close should fail")
	}
}

func TestLedgerEvent_JSON(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	event, err := NewLedgerEvent("account.created", map[string]string{"name": "Cash"}, at)
	if err != nil {
		t.Fatal(err)
	}
	if event.OccurredAt.Location() != time.UTC {
		t.Errorf("OccurredAt = %v, want UTC", event.OccurredAt)
	}

	b, err := event.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := LedgerEventFromJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Type != event.Type || !parsed.OccurredAt.Equal(at) || string(parsed.Data) != `{"name":"Cash"}` {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestLedgerEvent_InvalidJSON(t *testing.T) {
	for _, in := range []string{`{"type": 5}`, `{"data": {}}`, `not json`} {
		if _, err := LedgerEventFromJSON([]byte(in)); err == nil {
			t.Errorf("LedgerEventFromJSON(%s) should fail", in)
		}
	}
}

func TestNewLedgerEvent_UnencodablePayload(t *testing.T) {
	if _, err := NewLedgerEvent("x", make(chan int), time.Now()); err == nil {
		t.Error("expected encode error")
	}
}
