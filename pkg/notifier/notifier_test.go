package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSlackNotifierPostsMessage(t *testing.T) {
	var gotBody string
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("unexpected error reading body: %v", err)
		}
		gotBody = string(payload)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notify := NewSlackNotifier(map[string]string{"farm": server.URL}, time.Second)
	if err := notify.Notify(context.Background(), "farm", "gpu-01: GPU unavailable, rebooting in 2 minutes"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotContentType != "application/json" {
		t.Fatalf("expected a JSON content type, got %q", gotContentType)
	}
	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(gotBody), &decoded); err != nil {
		t.Fatalf("unexpected error decoding payload %q: %v", gotBody, err)
	}
	want := "[farm] gpu-01: GPU unavailable, rebooting in 2 minutes"
	if decoded.Text != want {
		t.Fatalf("expected text %q, got %q", want, decoded.Text)
	}
}

func TestSlackNotifierUnknownGroup(t *testing.T) {
	notify := NewSlackNotifier(map[string]string{"farm": "http://example.invalid"}, time.Second)

	err := notify.Notify(context.Background(), "lab", "message")
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

func TestSlackNotifierBlankWebhookIsNoDestination(t *testing.T) {
	notify := NewSlackNotifier(map[string]string{"farm": "  "}, time.Second)

	err := notify.Notify(context.Background(), "farm", "message")
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

func TestSlackNotifierNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no_service", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	notify := NewSlackNotifier(map[string]string{"farm": server.URL}, time.Second)
	if err := notify.Notify(context.Background(), "farm", "message"); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestSlackNotifierHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels r.Context(); otherwise server.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	notify := NewSlackNotifier(map[string]string{"farm": server.URL}, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := notify.Notify(ctx, "farm", "message"); err == nil {
		t.Fatal("expected an error when the context expires")
	}
}
