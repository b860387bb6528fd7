// Package fingerprint reduces a request to lookup keys of decreasing
// specificity.
package fingerprint

import (
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary
	"encoding/hex"

	"github.com/getmockd/replayd/internal/canonical"
	"github.com/getmockd/replayd/pkg/recording"
)

// NoKey is returned when a value cannot be hashed. It never matches a
// recorded key.
const NoKey = ""

// Tier names a position in Keys.
type Tier int

const (
	// TierFull covers url, method, body and headers.
	TierFull Tier = iota
	// TierSansHeaders covers url, method and body.
	TierSansHeaders
	// TierMinimal covers url and method.
	TierMinimal
)

// String returns the tier name used in logs and fixture tooling.
func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierSansHeaders:
		return "sansHeaders"
	case TierMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// Keys holds the three fingerprints of a request, most specific first.
type Keys [3]string

// Slice returns the keys as a slice, in probe order.
func (k Keys) Slice() []string {
	return []string{k[TierFull], k[TierSansHeaders], k[TierMinimal]}
}

// Compute fingerprints req. Blanked fields are replaced with an empty string
// rather than removed so each tier hashes a distinct document shape.
func Compute(req recording.Request) Keys {
	var headers any = req.Headers
	if req.Headers == nil {
		headers = recording.Headers{}
	}
	return Keys{
		TierFull: Hash(map[string]any{
			"url": req.URL, "method": req.Method, "body": req.Body, "headers": headers,
		}),
		TierSansHeaders: Hash(map[string]any{
			"url": req.URL, "method": req.Method, "body": req.Body, "headers": "",
		}),
		TierMinimal: Hash(map[string]any{
			"url": req.URL, "method": req.Method, "body": "", "headers": "",
		}),
	}
}

// Hash returns the hex SHA-1 of the canonical JSON encoding of v. Values that
// are nil, do not encode to a JSON object, or fail to encode yield NoKey.
func Hash(v any) string {
	if v == nil {
		return NoKey
	}
	enc, err := canonical.Marshal(v)
	if err != nil || !canonical.IsObject(enc) {
		return NoKey
	}
	sum := sha1.Sum(enc) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
