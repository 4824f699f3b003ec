package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/pkg/compression"
)

func testMessage() *storage.Message {
	return &storage.Message{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		FromPartyID:    "domibus-blue",
		ToPartyID:      "domibus-red",
		Service:        "bdx:noprocess",
		Action:         "TC1Leg1",
		Payload:        []byte("<Order><OrderID>ORD-1</OrderID></Order>"),
	}
}

func TestClient_Send(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(nil)
	msg := testMessage()
	if err := client.Send(context.Background(), srv.URL, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := gotHeaders.Get(HeaderMessageID); got != "msg-1" {
		t.Errorf("expected message id header msg-1, got %q", got)
	}
	if got := gotHeaders.Get(HeaderFromParty); got != "domibus-blue" {
		t.Errorf("expected from party domibus-blue, got %q", got)
	}
	if got := gotHeaders.Get(HeaderAgreement); got != "" {
		t.Errorf("empty agreement must not be sent, got %q", got)
	}
	if got := gotHeaders.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip content encoding, got %q", got)
	}

	decompressed, err := compression.NewCompressor().Decompress(gotBody)
	if err != nil {
		t.Fatalf("decompressing body: %v", err)
	}
	if string(decompressed) != string(msg.Payload) {
		t.Errorf("payload corrupted on the wire")
	}
}

func TestClient_SendUncompressed(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.DisableCompression = true
	client := NewClient(cfg)

	msg := testMessage()
	if err := client.Send(context.Background(), srv.URL, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(gotBody) != string(msg.Payload) {
		t.Errorf("expected raw payload on the wire")
	}
}

func TestClient_SendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "party unknown", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(nil)
	err := client.Send(context.Background(), srv.URL, testMessage())
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}
