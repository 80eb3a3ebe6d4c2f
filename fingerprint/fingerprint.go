// Package fingerprint canonicalizes request payloads and produces the content
// digest used to distinguish duplicate requests from colliding ones.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
)

// volatileFields are stripped during normalization: two submissions of the
// same logical request may legitimately differ in these.
var volatileFields = map[string]bool{
	"timestamp":  true,
	"created_at": true,
	"updated_at": true,
}

// Digest is the fingerprint of a canonical payload. Degraded is set when
// canonical serialization failed and the digest fell back to a
// non-cryptographic hash of the raw string form; callers must treat degraded
// digests as having weakened collision guarantees.
type Digest struct {
	Value    string
	Degraded bool
}

// Fingerprinter normalizes payloads and hashes them.
type Fingerprinter struct {
	maxDepth int
}

// New creates a fingerprinter. Recursion depth is capped so hostile payloads
// cannot blow the stack.
func New() *Fingerprinter {
	return &Fingerprinter{maxDepth: 32}
}

// Normalize produces the canonical form of payload: volatile fields stripped,
// nested mappings and sequences recursed into, primitive scalars passed
// through, anything else stringified.
func (f *Fingerprinter) Normalize(payload interface{}) interface{} {
	return f.normalize(payload, 0)
}

func (f *Fingerprinter) normalize(value interface{}, depth int) interface{} {
	if depth > f.maxDepth {
		return fmt.Sprintf("%v", value)
	}

	switch v := value.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case json.Number:
		return v.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, nested := range v {
			if volatileFields[key] {
				continue
			}
			out[key] = f.normalize(nested, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = f.normalize(item, depth+1)
		}
		return out
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Hash serializes the canonical payload with sorted keys and compact
// separators and applies SHA-256. When serialization fails it degrades to an
// FNV hash of the raw string form and flags the digest accordingly.
func (f *Fingerprinter) Hash(canonical interface{}) Digest {
	// encoding/json emits map keys in sorted order and compact separators,
	// which is exactly the canonical form we need.
	data, err := json.Marshal(canonical)
	if err != nil {
		h := fnv.New64a()
		_, _ = h.Write([]byte(fmt.Sprintf("%v", canonical)))
		return Digest{
			Value:    "fnv:" + strconv.FormatUint(h.Sum64(), 16),
			Degraded: true,
		}
	}

	sum := sha256.Sum256(data)
	return Digest{Value: hex.EncodeToString(sum[:])}
}

// Fingerprint normalizes and hashes payload in one step.
func (f *Fingerprinter) Fingerprint(payload interface{}) Digest {
	return f.Hash(f.Normalize(payload))
}
