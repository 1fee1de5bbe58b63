package delivery_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/signature"
)

const testSecret = "whsec_0000000000000000000000000000000000000000000000000000000000000000"

func TestSenderHeadersAndSignature(t *testing.T) {
	var (
		gotSig     string
		gotTS      string
		gotID      string
		gotAttempt string
		gotCT      string
		gotBody    []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(delivery.HeaderSignature)
		gotTS = r.Header.Get(delivery.HeaderTimestamp)
		gotID = r.Header.Get(delivery.HeaderDeliveryID)
		gotAttempt = r.Header.Get(delivery.HeaderAttempt)
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := &endpoint.Endpoint{
		ID:     id.NewEndpointID(),
		URL:    srv.URL,
		Secret: testSecret,
	}

	delID := id.NewDeliveryID()
	body := []byte(`{"webhookId":"ep_x","type":"submission.completed"}`)
	timestamp := time.Now().Unix()

	sender := delivery.NewSender(5 * time.Second)
	res := sender.Send(context.Background(), ep, body, delID, 3, timestamp)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if gotCT != "application/json" {
		t.Fatalf("Content-Type = %q", gotCT)
	}
	if gotID != delID.String() {
		t.Fatalf("delivery id header = %q, want %q", gotID, delID)
	}
	if gotAttempt != "3" {
		t.Fatalf("attempt header = %q, want 3", gotAttempt)
	}
	if string(gotBody) != string(body) {
		t.Fatal("body was altered in transit")
	}

	// The receiver must be able to verify the header against the exact
	// bytes it received.
	ts, err := strconv.ParseInt(gotTS, 10, 64)
	if err != nil {
		t.Fatalf("timestamp header %q: %v", gotTS, err)
	}
	if !signature.Verify(gotBody, testSecret, ts, gotSig, signature.DefaultTolerance) {
		t.Fatal("signature did not verify against received body")
	}
}

func TestSenderCustomHeaders(t *testing.T) {
	var gotCustom, gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Api-Key")
		gotSig = r.Header.Get(delivery.HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := &endpoint.Endpoint{
		ID:     id.NewEndpointID(),
		URL:    srv.URL,
		Secret: testSecret,
		Headers: map[string]string{
			"X-Api-Key":                "abc123",
			delivery.HeaderSignature:   "spoofed",
			delivery.HeaderDeliveryID:  "spoofed",
		},
	}

	sender := delivery.NewSender(5 * time.Second)
	res := sender.Send(context.Background(), ep, []byte(`{}`), id.NewDeliveryID(), 1, time.Now().Unix())

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if gotCustom != "abc123" {
		t.Fatalf("custom header = %q, want abc123", gotCustom)
	}
	if gotSig == "spoofed" {
		t.Fatal("custom header shadowed the signature header")
	}
	if !strings.HasPrefix(gotSig, signature.HeaderPrefix) {
		t.Fatalf("signature header = %q, want %s prefix", gotSig, signature.HeaderPrefix)
	}
}

func TestSenderNon2xxSetsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ep := &endpoint.Endpoint{ID: id.NewEndpointID(), URL: srv.URL, Secret: testSecret}

	sender := delivery.NewSender(5 * time.Second)
	res := sender.Send(context.Background(), ep, []byte(`{}`), id.NewDeliveryID(), 1, time.Now().Unix())

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", res.StatusCode)
	}
	if res.Error == "" {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(res.Response, "nope") {
		t.Fatalf("response body = %q", res.Response)
	}
}

func TestSenderConnectionRefused(t *testing.T) {
	// A server that is immediately closed gives a refused connection.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ep := &endpoint.Endpoint{ID: id.NewEndpointID(), URL: url, Secret: testSecret}

	sender := delivery.NewSender(time.Second)
	res := sender.Send(context.Background(), ep, []byte(`{}`), id.NewDeliveryID(), 1, time.Now().Unix())

	if res.StatusCode != 0 {
		t.Fatalf("status = %d, want 0", res.StatusCode)
	}
	if res.Error == "" {
		t.Fatal("expected connection error")
	}
}

func TestSenderTruncatesLargeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", delivery.MaxResponseCapture*4)))
	}))
	defer srv.Close()

	ep := &endpoint.Endpoint{ID: id.NewEndpointID(), URL: srv.URL, Secret: testSecret}

	sender := delivery.NewSender(5 * time.Second)
	res := sender.Send(context.Background(), ep, []byte(`{}`), id.NewDeliveryID(), 1, time.Now().Unix())

	if len(res.Response) > delivery.MaxResponseCapture {
		t.Fatalf("captured %d response bytes, cap is %d", len(res.Response), delivery.MaxResponseCapture)
	}
}
