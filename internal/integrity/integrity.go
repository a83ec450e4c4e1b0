// Package integrity provides tamper-evident hashing and Merkle tree
// construction for the workflow event ledger. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// hashV2Prefix marks the current content-hash encoding (length-prefixed
// fields, JSON-canonical payload bytes). There is no legacy format to
// support: the ledger this protects has no hashes predating this scheme.
const hashV2Prefix = "v2:"

// ComputeContentHash produces a versioned SHA-256 hex digest over a ledger
// event's identity fields and its payload. createdAt is truncated to
// microsecond precision before hashing because PostgreSQL stores
// timestamptz at microsecond resolution — without truncation, a hash
// computed with Go's nanosecond-precision time.Now() would never match a
// hash recomputed from the DB-roundtripped timestamp, and
// VerifyContentHash would always report tampering.
func ComputeContentHash(id, workflowID, tenantID, eventType string, sequenceNum int64, payload map[string]any, createdAt time.Time) (string, error) {
	payloadBytes, err := canonicalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalize payload: %w", err)
	}
	return hashV2Prefix + computeHash(id, workflowID, tenantID, eventType, sequenceNum, payloadBytes, createdAt.Truncate(time.Microsecond)), nil
}

// VerifyContentHash reports whether stored matches the recomputed hash for
// the given fields. Returns an error only if the payload can't be
// canonicalized; a mismatched or malformed stored hash is a false result,
// not an error.
func VerifyContentHash(stored, id, workflowID, tenantID, eventType string, sequenceNum int64, payload map[string]any, createdAt time.Time) (bool, error) {
	payloadBytes, err := canonicalPayload(payload)
	if err != nil {
		return false, fmt.Errorf("integrity: canonicalize payload: %w", err)
	}
	want := hashV2Prefix + computeHash(id, workflowID, tenantID, eventType, sequenceNum, payloadBytes, createdAt.Truncate(time.Microsecond))
	return stored == want, nil
}

// canonicalPayload marshals payload to JSON. encoding/json sorts map keys
// alphabetically, so two equal maps always marshal to the same bytes
// regardless of insertion order.
func canonicalPayload(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

// computeHash produces a length-prefixed SHA-256 hex digest. Each field is
// encoded as a 4-byte big-endian length prefix followed by its bytes,
// avoiding delimiter collisions when freeform fields (event_type, payload
// JSON) contain arbitrary characters.
func computeHash(id, workflowID, tenantID, eventType string, sequenceNum int64, payloadBytes []byte, createdAt time.Time) string {
	h := sha256.New()
	writeField := func(s []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by HTTP request body limits
		h.Write(lenBuf[:])
		h.Write(s)
	}
	writeField([]byte(id))
	writeField([]byte(workflowID))
	writeField([]byte(tenantID))
	writeField([]byte(eventType))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(sequenceNum)) //nolint:gosec // sequence numbers are never negative
	writeField(seqBuf[:])
	writeField(payloadBytes)
	writeField([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || len(a) || a || b) as a hex string. The
// 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC
// 6962), ensuring internal node hashes can never collide with leaf content
// hashes. The 4-byte big-endian length prefix on a prevents second-preimage
// attacks from boundary ambiguity (e.g. hashPair("ab","c") != hashPair("a","bc")).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	aBytes := []byte(a)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(aBytes))) //nolint:gosec // hash inputs are bounded-length hex strings
	h.Write(lenBuf[:])
	h.Write(aBytes)
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must be sorted lexicographically by the caller for
// determinism (GetDecisionHashesForBatch already orders by content_hash).
// Empty input returns an empty string; a single leaf is its own root. Odd
// levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
