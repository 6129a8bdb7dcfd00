package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatfunnel/internal/metrics"
	"chatfunnel/internal/payments"
	"chatfunnel/internal/repo"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "k"}, slog.New(slog.DiscardHandler), metrics.Registry("test"))
}

func TestTransactionStatusParsesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charge/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("api_key") != "k" || r.PostForm.Get("id") != "tx-1" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.Write([]byte(`{"status":true,"message":"ok","data":{"id":"tx-1","status":"settlement","nominal":50000,"recipient":"acct-1"}}`))
	})

	resp, err := client.TransactionStatus(context.Background(), "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != repo.PaymentPaid || resp.AmountMinor != 50000 || resp.Recipient != "acct-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTransactionStatusStringishEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"id":"tx-2","status":"pending","nominal":"25000"}}`))
	})

	resp, err := client.TransactionStatus(context.Background(), "tx-2")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != repo.PaymentPending || resp.AmountMinor != 25000 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFailedEnvelopeIsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"not found"}`))
	})

	if _, err := client.TransactionStatus(context.Background(), "tx-3"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateChargeParsesHandle(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charge/create" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("reff_id") != "ref-1" || r.PostForm.Get("nominal") != "50000" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.Write([]byte(`{"status":true,"data":{"id":"tx-1","reff_id":"ref-1","checkout_url":"https://pay.example/tx-1"}}`))
	})

	handle, err := client.CreateCharge(context.Background(), payments.ChargeRequest{
		ReferenceID: "ref-1",
		AmountMinor: 50000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if handle.TransactionID != "tx-1" || handle.CheckoutURL != "https://pay.example/tx-1" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
}

func TestCheckStatusWithoutTransactionIDStaysPending(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called without a transaction id")
	})

	probe, err := client.CheckStatus(context.Background(), repo.PaymentSession{})
	if err != nil {
		t.Fatal(err)
	}
	if probe.Status != repo.PaymentPending {
		t.Fatalf("expected pending, got %s", probe.Status)
	}
}

func TestCheckStatusReportsGatewayAmount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":true,"data":{"id":"tx-4","status":"settlement","nominal":40000,"recipient":"acct-9"}}`))
	})

	probe, err := client.CheckStatus(context.Background(), repo.PaymentSession{TransactionID: "tx-4", AmountMinor: 50000})
	if err != nil {
		t.Fatal(err)
	}
	if probe.Status != repo.PaymentPaid || probe.AmountMinor != 40000 || probe.Recipient != "acct-9" {
		t.Fatalf("unexpected probe: %+v", probe)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]repo.PaymentStatus{
		"settlement": repo.PaymentPaid,
		"Paid":       repo.PaymentPaid,
		"refunded":   repo.PaymentRefunded,
		"expired":    repo.PaymentExpired,
		"cancel":     repo.PaymentFailed,
		"whatever":   repo.PaymentPending,
		"":           repo.PaymentPending,
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
