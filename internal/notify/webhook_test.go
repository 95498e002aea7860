package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flowmint/internal/retry"
)

func fastNotifier(url string) *WebhookNotifier {
	w := NewWebhookNotifier(WebhookOptions{URL: url, Secret: "s3cret", Rate: 1000, Burst: 100})
	w.Policy = retry.Policy{}
	w.Strategy = retry.Strategy{Name: "test", MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return w
}

func TestSendSignsBody(t *testing.T) {
	var gotSig, gotEvent string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL)
	err := n.Send(context.Background(), Event{ID: "evt-1", Type: EventInvoicePaid, InvoiceID: "inv-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotEvent != string(EventInvoicePaid) {
		t.Fatalf("event header=%q", gotEvent)
	}
	if want := "sha256=" + Sign("s3cret", body); gotSig != want {
		t.Fatalf("signature=%q want=%q", gotSig, want)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL)
	n.deliver(context.Background(), Event{Type: EventLegCompleted, InvoiceID: "inv-1"})
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls=%d want=3", got)
	}
}

func TestDeliverStopsOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL)
	n.deliver(context.Background(), Event{Type: EventInvoiceExpired, InvoiceID: "inv-1"})
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls=%d want=1", got)
	}
}

func TestNotifyQueuesUntilClose(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier(srv.URL)
	n.Start(context.Background())
	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), Event{Type: EventLegCompleted, InvoiceID: "inv-1"})
	}
	n.Close()
	n.Notify(context.Background(), Event{Type: EventLegCompleted, InvoiceID: "inv-1"})
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("calls=%d want=5", got)
	}
}
