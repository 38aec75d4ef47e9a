package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vandispatch/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

type failRec struct {
	ID      string
	Code    int
	LastErr string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode)
}

func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode)
}

func TestWorkerProcessOnceSuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 3, nil)
	w.HTTP = srv.Client()

	body := []byte(`{"id":"evt1"}`)
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "t1", "sub1", "ride.updated", srv.URL, "secret", body)
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != "ride.updated" {
		t.Fatalf("event type header missing, got %q", gotType)
	}
	if !Verify("secret", gotBody, gotSig) {
		t.Fatalf("signature must verify against the body, sig=%q", gotSig)
	}
	if len(rs.marks) != 1 || !rs.marks[0].Success || rs.marks[0].Code != 200 {
		t.Fatalf("want one successful mark, got %+v", rs.marks)
	}

	// A delivered item never comes back.
	w.processOnce()
	if len(rs.marks) != 1 {
		t.Fatalf("delivered item reprocessed: %+v", rs.marks)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 2, nil)
	w.HTTP = srv.Client()

	id, _ := rs.Memory.EnqueueWebhook(context.Background(), "t1", "sub1", "ride.updated", srv.URL, "", []byte(`{}`))

	// First attempt: retry scheduled with backoff.
	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success {
		t.Fatalf("first failure must be marked for retry, got %+v", rs.marks)
	}

	// Force the retry due and exhaust attempts.
	now := time.Now().Add(-time.Minute)
	_ = rs.Memory.MarkWebhookDelivery(context.Background(), id, false, &now, "", 502)
	w.processOnce()
	if len(rs.fails) != 1 || rs.fails[0].ID != id || rs.fails[0].Code != 502 {
		t.Fatalf("attempt limit must fail the delivery, got %+v", rs.fails)
	}
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	if nextBackoff(0) != time.Second {
		t.Fatalf("attempt 0: %s", nextBackoff(0))
	}
	if nextBackoff(3) != 8*time.Second {
		t.Fatalf("attempt 3: %s", nextBackoff(3))
	}
	if nextBackoff(100) > time.Hour {
		t.Fatalf("backoff must cap at an hour, got %s", nextBackoff(100))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign("topsecret", body)
	if !Verify("topsecret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify("othersecret", body, sig) {
		t.Fatal("wrong secret accepted")
	}
	if Verify("topsecret", []byte(`tampered`), sig) {
		t.Fatal("tampered body accepted")
	}
	if Verify("topsecret", body, "not-hex") {
		t.Fatal("malformed signature accepted")
	}
}
