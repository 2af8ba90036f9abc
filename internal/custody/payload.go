package custody

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload is the sanitized KYC document that gets encrypted. Only these fields
// survive sanitization; anything else a client sends is dropped before
// encryption so stray PII never reaches the blob store.
type Payload struct {
	FullName string `json:"full_name"`
	KYCID    string `json:"kyc_id"`
	DOB      string `json:"dob"` // normalized to YYYY-MM-DD
	Address  string `json:"address"`
}

// dobFormats are the date layouts accepted from clients, tried in order.
var dobFormats = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
	"2006-01-02T15:04:05",
}

// SanitizePayload validates and normalizes a raw KYC payload. All failures
// wrap ErrValidation.
func SanitizePayload(raw Payload) (Payload, error) {
	p := Payload{
		FullName: strings.TrimSpace(raw.FullName),
		KYCID:    strings.TrimSpace(raw.KYCID),
		Address:  strings.TrimSpace(raw.Address),
	}

	if p.FullName == "" {
		return Payload{}, fmt.Errorf("full_name is required: %w", ErrValidation)
	}
	if p.KYCID == "" {
		return Payload{}, fmt.Errorf("kyc_id is required: %w", ErrValidation)
	}
	if p.Address == "" {
		return Payload{}, fmt.Errorf("address is required: %w", ErrValidation)
	}

	dob, err := normalizeDate(raw.DOB)
	if err != nil {
		return Payload{}, err
	}
	p.DOB = dob
	return p, nil
}

// normalizeDate reduces date-like inputs to YYYY-MM-DD.
func normalizeDate(value string) (string, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return "", fmt.Errorf("dob is required: %w", ErrValidation)
	}

	// Strip a time component before trying date-only layouts.
	datePart := s
	if i := strings.IndexAny(datePart, "T "); i > 0 {
		datePart = datePart[:i]
	}

	for _, layout := range dobFormats {
		if t, err := time.Parse(layout, datePart); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("dob %q is not a recognized date: %w", s, ErrValidation)
}

// Encode serializes the payload for encryption.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses a decrypted payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}
