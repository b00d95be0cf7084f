// Package hashing provides deterministic content and commit digests.
//
// Payloads are canonicalized (sorted object keys, compact output)
// before hashing so that two equal payloads always hash equal
// regardless of field order or original serialization.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracthq/tract/internal/types"
)

// Canonicalize renders v as canonical JSON. Round-tripping through an
// untyped value collapses struct field order and map iteration order
// to encoding/json's sorted map-key output.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// ContentHash returns the hex digest of a canonical payload.
func ContentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// commitFields is the exact field set a commit hash covers. Changing
// this struct changes every commit hash.
type commitFields struct {
	TractID     string `json:"tract_id"`
	ParentHash  string `json:"parent_hash"`
	ContentHash string `json:"content_hash"`
	Operation   string `json:"operation"`
	ResponseTo  string `json:"response_to"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at"`
}

// CommitHash computes the stable digest of a commit's canonical fields.
func CommitHash(tractID, parentHash, contentHash string, op types.Operation, responseTo, message string, createdAt time.Time) (string, error) {
	canonical, err := Canonicalize(commitFields{
		TractID:     tractID,
		ParentHash:  parentHash,
		ContentHash: contentHash,
		Operation:   string(op),
		ResponseTo:  responseTo,
		Message:     message,
		CreatedAt:   types.NormalizeTime(createdAt).Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
