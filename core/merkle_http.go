package core

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/dghubble/sling"
)

type merkleProofResponse struct {
	Root     string   `json:"root"`
	Leaf     string   `json:"leaf"`
	Siblings []string `json:"siblings"`
	Error    string   `json:"error"`
}

// HTTPMerkleProofFetcher is the reference MerkleProofFetcher used when
// an accumulator's mode calls for a remote membership proof, built the
// same way as HTTPProofBridge and the other reference HTTP clients in
// this module.
type HTTPMerkleProofFetcher struct {
	base *sling.Sling
}

// NewHTTPMerkleProofFetcher builds a fetcher against a chain's
// configured MerkleProofURL.
func NewHTTPMerkleProofFetcher(httpClient *http.Client, baseURL string) *HTTPMerkleProofFetcher {
	return &HTTPMerkleProofFetcher{base: sling.New().Client(httpClient).Base(baseURL)}
}

func (h *HTTPMerkleProofFetcher) FetchProof(ctx context.Context, chain ChainID, cid uint64) (*MerkleProof, error) {
	var out merkleProofResponse
	var apiErr merkleProofResponse
	req, err := h.base.New().Get("proof").
		QueryStruct(struct {
			Chain string `url:"chain"`
			Cid   uint64 `url:"cid"`
		}{string(chain), cid}).Request()
	if err != nil {
		return nil, newErrf(KindMerkle, err, "build proof request")
	}
	req = req.WithContext(ctx)

	resp, err := h.base.Do(req, &out, &apiErr)
	if err != nil {
		return nil, newErrf(KindMerkle, err, "fetch remote proof")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg := apiErr.Error
		if msg == "" {
			msg = fmt.Sprintf("proof service returned %d", resp.StatusCode)
		}
		return nil, newErr(KindMerkle, msg, nil).withDetail(map[string]any{"status": resp.StatusCode})
	}

	root, ok := new(big.Int).SetString(out.Root, 16)
	if !ok {
		return nil, newErr(KindMerkle, "malformed root in proof response", nil)
	}
	leaf, ok := new(big.Int).SetString(out.Leaf, 16)
	if !ok {
		return nil, newErr(KindMerkle, "malformed leaf in proof response", nil)
	}
	siblings := make([]*big.Int, len(out.Siblings))
	for i, s := range out.Siblings {
		v, ok := new(big.Int).SetString(s, 16)
		if !ok {
			return nil, newErr(KindMerkle, "malformed sibling in proof response", nil)
		}
		siblings[i] = v
	}
	return &MerkleProof{Chain: chain, Cid: cid, Leaf: leaf, Siblings: siblings, Root: root}, nil
}
