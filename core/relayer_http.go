package core

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dghubble/sling"
)

type submitRequest struct {
	Type         string   `json:"type"`
	TokenID      string   `json:"token_id"`
	Proof        string   `json:"proof"` // hex
	PublicInputs []string `json:"public_inputs"`
}

type submitResponse struct {
	RelayerTxHash string `json:"relayer_tx_hash"`
	Error         string `json:"error"`
}

type receiptResponse struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

type feeConfigResponse struct {
	BaseFee    string `json:"base_fee"`
	RelayerFee string `json:"relayer_fee"`
	Error      string `json:"error"`
}

// HTTPRelayerClient is the reference RelayerClient, built on
// github.com/dghubble/sling like HTTPProofBridge and HTTPEntryIndexer
// — the relayer, proof service, and indexer are three independent
// HTTP services in production, so this module gives each its own
// thin client rather than sharing one.
type HTTPRelayerClient struct {
	base *sling.Sling
}

// NewHTTPRelayerClient builds a client against a chain's RelayerURL.
func NewHTTPRelayerClient(httpClient *http.Client, baseURL string) *HTTPRelayerClient {
	return &HTTPRelayerClient{base: sling.New().Client(httpClient).Base(baseURL)}
}

func (h *HTTPRelayerClient) Submit(ctx context.Context, chain ChainID, req RelayerRequest) (string, error) {
	proofHex := ""
	var publicInputs []string
	if req.Proof != nil {
		proofHex = fmt.Sprintf("%x", req.Proof.Blob)
		publicInputs = req.Proof.PublicInputs
	}
	body := submitRequest{Type: string(req.Type), TokenID: req.TokenID, Proof: proofHex, PublicInputs: publicInputs}

	var out submitResponse
	var apiErr submitResponse
	httpReq, err := h.base.New().Post("submit").BodyJSON(&body).Request()
	if err != nil {
		return "", newErrf(KindRelayer, err, "build submit request")
	}
	httpReq = httpReq.WithContext(ctx)

	resp, err := h.base.Do(httpReq, &out, &apiErr)
	if err != nil {
		return "", newErrf(KindRelayer, err, "submit request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg := apiErr.Error
		if msg == "" {
			msg = fmt.Sprintf("relayer returned %d", resp.StatusCode)
		}
		return "", newErr(KindRelayer, msg, nil).withDetail(map[string]any{"status": resp.StatusCode})
	}
	return out.RelayerTxHash, nil
}

func (h *HTTPRelayerClient) TransactionReceipt(ctx context.Context, chain ChainID, relayerTxHash string) (*TransactionReceipt, error) {
	var out receiptResponse
	var apiErr receiptResponse
	req, err := h.base.New().Get("receipt/"+relayerTxHash).Request()
	if err != nil {
		return nil, newErrf(KindRelayer, err, "build receipt request")
	}
	req = req.WithContext(ctx)

	resp, err := h.base.Do(req, &out, &apiErr)
	if err != nil {
		return nil, newErrf(KindRelayer, err, "fetch receipt")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg := apiErr.Error
		if msg == "" {
			msg = fmt.Sprintf("relayer returned %d", resp.StatusCode)
		}
		return nil, newErr(KindRelayer, msg, nil).withDetail(map[string]any{"status": resp.StatusCode})
	}
	return &TransactionReceipt{Status: out.Status, TxHash: out.TxHash, Error: out.Error}, nil
}

func (h *HTTPRelayerClient) FeeConfig(ctx context.Context, chain ChainID) (*FeeConfig, error) {
	var out feeConfigResponse
	var apiErr feeConfigResponse
	req, err := h.base.New().Get("fees").Request()
	if err != nil {
		return nil, newErrf(KindRelayer, err, "build fee request")
	}
	req = req.WithContext(ctx)

	resp, err := h.base.Do(req, &out, &apiErr)
	if err != nil {
		return nil, newErrf(KindRelayer, err, "fetch fee config")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg := apiErr.Error
		if msg == "" {
			msg = fmt.Sprintf("relayer returned %d", resp.StatusCode)
		}
		return nil, newErr(KindRelayer, msg, nil).withDetail(map[string]any{"status": resp.StatusCode})
	}
	return &FeeConfig{ChainID: chain, BaseFee: out.BaseFee, RelayerFee: out.RelayerFee}, nil
}
