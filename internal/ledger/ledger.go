// Package ledger anchors hash-only proofs of KYC submissions on an append-only
// external ledger. Only the salted subject hash and the ciphertext content
// address ever leave the service; no PII reaches the ledger.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Anchor records a proof of existence and returns an opaque transaction
// reference. Failure is non-fatal to custody persistence: the caller marks the
// record attestation-pending and a Worker retries out-of-band.
type Anchor interface {
	Anchor(ctx context.Context, subjectHash [32]byte, blobID string, meta map[string]string) (string, error)
}

// SubjectHash derives the ledger attestation subject from a normalized subject
// reference. The salt prevents dictionary reversal of low-entropy identifiers
// such as phone numbers.
func SubjectHash(subjectRef, salt string) [32]byte {
	return sha256.Sum256([]byte(salt + ":" + subjectRef))
}

// HTTPAnchor posts anchor requests to a ledger gateway endpoint.
type HTTPAnchor struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPAnchor creates an anchor client for the given gateway.
func NewHTTPAnchor(endpoint string, headers map[string]string, timeout time.Duration) *HTTPAnchor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAnchor{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}
}

type anchorRequest struct {
	SubjectHash string            `json:"subject_hash"`
	BlobID      string            `json:"blob_id"`
	Meta        map[string]string `json:"meta,omitempty"`
}

type anchorResponse struct {
	TxRef string `json:"tx_ref"`
}

// Anchor posts the proof and returns the gateway's transaction reference.
func (a *HTTPAnchor) Anchor(ctx context.Context, subjectHash [32]byte, blobID string, meta map[string]string) (string, error) {
	body, err := json.Marshal(anchorRequest{
		SubjectHash: hex.EncodeToString(subjectHash[:]),
		BlobID:      blobID,
		Meta:        meta,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger anchor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ledger anchor returned status: %s", resp.Status)
	}

	var out anchorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode anchor response: %w", err)
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("ledger anchor returned empty tx ref")
	}
	return out.TxRef, nil
}

// NoopAnchor is used when no ledger endpoint is configured. Anchoring succeeds
// with an empty reference so records never sit in the pending queue.
type NoopAnchor struct{}

func (NoopAnchor) Anchor(context.Context, [32]byte, string, map[string]string) (string, error) {
	return "unanchored", nil
}
