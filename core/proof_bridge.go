package core

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/dghubble/sling"
)

// WitnessInputs is the circuit-agnostic payload a ProofBridge turns
// into a proof: the note(s) being spent, the merkle path attesting
// their membership, and the note(s) being created.
type WitnessInputs struct {
	Chain        ChainID
	PoolID       *big.Int
	InputAmount  *big.Int
	OutputAmount *big.Int
	MerklePath   *MerkleProof
	Nullifier    *big.Int
	Commitment   *big.Int
}

// Proof is an opaque, circuit-specific proof blob plus the public
// inputs a relayer needs to submit it on-chain.
type Proof struct {
	Blob         []byte
	PublicInputs []string
}

// ProofBridge is the external proof-generation capability.
// This module never inspects circuit internals — it only builds
// WitnessInputs and forwards them.
type ProofBridge interface {
	Generate(ctx context.Context, in WitnessInputs) (*Proof, error)
}

// proofRequest/proofResponse are the wire shapes for the reference
// HTTP proof service: proof generation as a request/response exchange
// around an opaque byte blob.
type proofRequest struct {
	Chain          string   `json:"chain"`
	PoolID         string   `json:"pool_id"`
	InputAmount    string   `json:"input_amount"`
	OutputAmount   string   `json:"output_amount"`
	Nullifier      string   `json:"nullifier"`
	Commitment     string   `json:"commitment"`
	MerkleRoot     string   `json:"merkle_root"`
	MerkleSiblings []string `json:"merkle_siblings"`
}

type proofResponse struct {
	Proof        string   `json:"proof"`
	PublicInputs []string `json:"public_inputs"`
	Error        string   `json:"error"`
}

// HTTPProofBridge calls a remote proof-generation service over HTTP
// using sling as the request builder, the same library
// demonsh-go-iden3-core's pack sibling uses for its own client code.
type HTTPProofBridge struct {
	base *sling.Sling
}

// NewHTTPProofBridge builds a bridge against baseURL, e.g. a chain's
// configured MerkleProofURL/proof-service endpoint.
func NewHTTPProofBridge(httpClient *http.Client, baseURL string) *HTTPProofBridge {
	return &HTTPProofBridge{base: sling.New().Client(httpClient).Base(baseURL)}
}

func (h *HTTPProofBridge) Generate(ctx context.Context, in WitnessInputs) (*Proof, error) {
	if in.MerklePath == nil {
		return nil, newErr(KindProof, "witness missing merkle path", nil)
	}
	siblings := make([]string, len(in.MerklePath.Siblings))
	for i, s := range in.MerklePath.Siblings {
		siblings[i] = s.Text(16)
	}
	req := proofRequest{
		Chain:          string(in.Chain),
		PoolID:         bigOrZero(in.PoolID).Text(16),
		InputAmount:    bigOrZero(in.InputAmount).String(),
		OutputAmount:   bigOrZero(in.OutputAmount).String(),
		Nullifier:      bigOrZero(in.Nullifier).Text(16),
		Commitment:     bigOrZero(in.Commitment).Text(16),
		MerkleRoot:     in.MerklePath.Root.Text(16),
		MerkleSiblings: siblings,
	}

	reqCtx, cancel := context.WithTimeout(ctx, proofBridgeTimeout)
	defer cancel()

	var out proofResponse
	var apiErr proofResponse
	httpReq, err := h.base.New().Post("generate").BodyJSON(&req).Request()
	if err != nil {
		return nil, newErrf(KindProof, err, "build proof request")
	}
	httpReq = httpReq.WithContext(reqCtx)

	resp, err := h.base.Do(httpReq, &out, &apiErr)
	if err != nil {
		return nil, newErrf(KindProof, err, "proof service request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail := map[string]any{"status": resp.StatusCode}
		msg := apiErr.Error
		if msg == "" {
			msg = fmt.Sprintf("proof service returned %d", resp.StatusCode)
		}
		return nil, newErr(KindProof, msg, nil).withDetail(detail)
	}

	blob, ok := new(big.Int).SetString(out.Proof, 16)
	if !ok {
		return nil, newErr(KindProof, "malformed proof blob", nil)
	}
	return &Proof{Blob: blob.Bytes(), PublicInputs: out.PublicInputs}, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// proofBridgeTimeout bounds a single Generate call the way the sync
// engine bounds a single page fetch.
const proofBridgeTimeout = 30 * time.Second
