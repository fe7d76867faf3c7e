package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smartsend/internal/transport"
)

func TestSendPostsJSONWithBearer(t *testing.T) {
	t.Parallel()
	var got payload
	var auth, custom, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Campaign")
		idem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Token: "s3cret", Headers: map[string]string{"X-Campaign": "promo"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := transport.WithIdempotencyKey(context.Background(), "bt:1/1/1")
	if err := c.Send(ctx, " +62811 ", "Hi Sara"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.To != "+62811" || got.Message != "Hi Sara" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if auth != "Bearer s3cret" || custom != "promo" || idem != "bt:1/1/1" {
		t.Fatalf("unexpected headers auth=%q custom=%q idem=%q", auth, custom, idem)
	}
}

func TestSendNon2xxCarriesStatusAndBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid number", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New(Config{URL: srv.URL})
	err := c.Send(context.Background(), "123", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "invalid number") {
		t.Fatalf("unexpected error text %q", err)
	}
}

func TestSendRejectsEmptyDestination(t *testing.T) {
	t.Parallel()
	c, _ := New(Config{URL: "http://127.0.0.1:1"})
	if err := c.Send(context.Background(), "", "x"); !errors.Is(err, transport.ErrEmptyDestination) {
		t.Fatalf("expected ErrEmptyDestination, got %v", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
