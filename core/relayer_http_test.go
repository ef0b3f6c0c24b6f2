package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPRelayerClientSubmitAndReceipt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{RelayerTxHash: "tx-1"})
	})
	mux.HandleFunc("/receipt/tx-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(receiptResponse{Status: "confirmed", TxHash: "0xdead"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPRelayerClient(srv.Client(), srv.URL)
	txHash, err := client.Submit(context.Background(), "eth", RelayerRequest{Type: OpTransfer})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if txHash != "tx-1" {
		t.Fatalf("expected relayer tx hash tx-1, got %q", txHash)
	}

	receipt, err := client.TransactionReceipt(context.Background(), "eth", txHash)
	if err != nil {
		t.Fatalf("TransactionReceipt: %v", err)
	}
	if receipt.Status != "confirmed" || receipt.TxHash != "0xdead" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestHTTPRelayerClientFeeConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(feeConfigResponse{BaseFee: "100", RelayerFee: "5"})
	}))
	defer srv.Close()

	client := NewHTTPRelayerClient(srv.Client(), srv.URL)
	fee, err := client.FeeConfig(context.Background(), "eth")
	if err != nil {
		t.Fatalf("FeeConfig: %v", err)
	}
	if fee.BaseFee != "100" || fee.RelayerFee != "5" {
		t.Fatalf("unexpected fee config: %+v", fee)
	}
}

func TestHTTPRelayerClientSubmitSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(submitResponse{Error: "rate limited"})
	}))
	defer srv.Close()

	client := NewHTTPRelayerClient(srv.Client(), srv.URL)
	_, err := client.Submit(context.Background(), "eth", RelayerRequest{})
	if err == nil {
		t.Fatalf("expected an error for a 429 response")
	}
	if !IsKind(err, KindRelayer) {
		t.Fatalf("expected KindRelayer error, got %v", err)
	}
}
