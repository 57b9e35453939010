package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeTransactionID computes a deterministic transaction id using SHA256.
// Formula: SHA256(source|connection_or_wallet_id|external_id)
// Returns hex-encoded hash (64 characters).
//
// The same vendor record re-fetched on a later sync produces the same id, so
// the storage layer's unique constraint makes ingestion idempotent.
func ComputeTransactionID(source, ownerID, externalID string) string {
	data := fmt.Sprintf("%s|%s|%s", source, ownerID, externalID)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
