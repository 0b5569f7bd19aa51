package processorclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "kiosk-01",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
	})
	return client, srv
}

func writeToken(w http.ResponseWriter, expiresIn int64) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "opaque-token",
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

func TestInitiateTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, 3600)
	})
	mux.HandleFunc("/api/v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(TransferResponse{Reference: "ref-123", Status: "pending"})
	})

	client, _ := newTestClient(t, mux)
	resp, err := client.InitiateTransfer(context.Background(), "tx-abc", TransferRequest{
		Amount:           10050,
		Currency:         "BGN",
		RecipientAccount: "BG80BNBG96611020345678",
		RecipientName:    "Maria Petrova",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Reference != "ref-123" {
		t.Fatalf("expected reference ref-123, got %q", resp.Reference)
	}
	if gotKey != "tx-abc" {
		t.Fatalf("expected Idempotency-Key tx-abc, got %q", gotKey)
	}
	if gotAuth != "Bearer opaque-token" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		writeToken(w, 3600)
	})
	mux.HandleFunc("/api/v1/accounts/balance", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BalanceResponse{AvailableBalance: 500000, Currency: "BGN"})
	})

	client, _ := newTestClient(t, mux)
	for i := 0; i < 3; i++ {
		if _, err := client.GetAccountBalance(context.Background()); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("expected 1 token fetch, got %d", n)
	}
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	var statusCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, 3600)
	})
	mux.HandleFunc("/api/v1/transfers/", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&statusCalls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(StatusResponse{Reference: "ref-1", Status: "completed"})
	})

	client, _ := newTestClient(t, mux)
	resp, err := client.GetTransferStatus(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "completed" {
		t.Fatalf("expected completed, got %q", resp.Status)
	}
	if n := atomic.LoadInt32(&statusCalls); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestRejectionSurfacesAPIErrorWithoutRetry(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, 3600)
	})
	mux.HandleFunc("/api/v1/bills/pay", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"code": "invalid_bill_account", "detail": "account not found at provider"})
	})

	client, _ := newTestClient(t, mux)
	_, err := client.PayBill(context.Background(), "tx-1", BillPaymentRequest{
		Amount:            5000,
		Currency:          "BGN",
		ProviderCode:      "ELEC-SOF",
		BillAccountNumber: "100200300",
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "invalid_bill_account" {
		t.Fatalf("expected code invalid_bill_account, got %q", apiErr.Code)
	}
	if errors.Is(err, ErrProcessorUnavailable) {
		t.Fatal("a definitive rejection must not be classified as unavailable")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 attempt for a 4xx, got %d", n)
	}
}

func TestExhaustedTransientFailuresReportUnavailable(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, 3600)
	})
	mux.HandleFunc("/api/v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	client, _ := newTestClient(t, mux)
	_, err := client.InitiateTransfer(context.Background(), "tx-2", TransferRequest{Amount: 100, Currency: "BGN"})
	if !errors.Is(err, ErrProcessorUnavailable) {
		t.Fatalf("expected ErrProcessorUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestListBillProviders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, 3600)
	})
	mux.HandleFunc("/api/v1/bills/providers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Provider{
			{Code: "ELEC-SOF", Name: "Sofia Electricity", Category: "utilities", Active: true},
			{Code: "WATER-SOF", Name: "Sofia Water", Category: "utilities", Active: true},
		})
	})

	client, _ := newTestClient(t, mux)
	providers, err := client.ListBillProviders(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(providers) != 2 || providers[0].Code != "ELEC-SOF" {
		t.Fatalf("unexpected providers: %+v", providers)
	}
}
