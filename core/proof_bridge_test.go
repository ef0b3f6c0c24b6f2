package core

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProofBridgeGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req proofRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Chain != "eth" {
			t.Errorf("expected chain=eth, got %q", req.Chain)
		}
		resp := proofResponse{Proof: "abcd", PublicInputs: []string{"1", "2"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	bridge := NewHTTPProofBridge(srv.Client(), srv.URL)
	in := WitnessInputs{
		Chain: "eth", PoolID: big.NewInt(1),
		InputAmount: big.NewInt(10), OutputAmount: big.NewInt(10),
		Nullifier: big.NewInt(2), Commitment: big.NewInt(3),
		MerklePath: &MerkleProof{Root: big.NewInt(7), Siblings: []*big.Int{big.NewInt(1)}},
	}
	proof, err := bridge.Generate(context.Background(), in)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(proof.PublicInputs) != 2 {
		t.Fatalf("expected 2 public inputs, got %d", len(proof.PublicInputs))
	}
}

func TestHTTPProofBridgeGenerateRequiresMerklePath(t *testing.T) {
	bridge := NewHTTPProofBridge(http.DefaultClient, "http://unused.invalid")
	_, err := bridge.Generate(context.Background(), WitnessInputs{Chain: "eth"})
	if err == nil {
		t.Fatalf("expected error when MerklePath is nil")
	}
	if !IsKind(err, KindProof) {
		t.Fatalf("expected KindProof error, got %v", err)
	}
}

func TestHTTPProofBridgeGenerateSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(proofResponse{Error: "bad witness"})
	}))
	defer srv.Close()

	bridge := NewHTTPProofBridge(srv.Client(), srv.URL)
	in := WitnessInputs{Chain: "eth", MerklePath: &MerkleProof{Root: big.NewInt(1)}}
	_, err := bridge.Generate(context.Background(), in)
	if err == nil {
		t.Fatalf("expected an error for a 400 response")
	}
}
