package payflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// IdempotencyKey derives a deterministic key for one logical provider
// operation. The same {provider, operation, stable reference} always yields
// the same key, so retries and duplicate system events replay the original
// provider-side attempt instead of creating a second live effect.
func IdempotencyKey(providerID, operation, stableRef string) string {
	payload := strings.Join([]string{
		strings.TrimSpace(providerID),
		strings.ToLower(strings.TrimSpace(operation)),
		strings.TrimSpace(stableRef),
	}, "::")
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

// RequestHash fingerprints a request payload for use as a stable reference
// when no provider-assigned id exists yet (e.g. the initial start call).
func RequestHash(req any) string {
	raw, err := json.Marshal(req)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", req))
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}
