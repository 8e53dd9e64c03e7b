// Package idempotency deduplicates logically-identical requests and events.
//
// Two guard variants share one protocol: a durable 24h guard in front of the
// whole admission path, and a short-lived 5 minute guard in front of ledger
// mutation inside the settlement pipeline. StoreResult is conditioned on the
// record not already existing, so concurrent duplicate executions converge to
// a single stored outcome.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type Guard interface {
	// CheckProcessed returns the previously stored result for (token, scope),
	// or ok=false when the token is unknown or expired.
	CheckProcessed(ctx context.Context, token, scope string) (result json.RawMessage, ok bool, err error)

	// StoreResult records the outcome for (token, scope) with the guard's TTL.
	// If a concurrent execution already stored a result, the write is a no-op,
	// not an error.
	StoreResult(ctx context.Context, token, scope string, result json.RawMessage) error
}

// DeriveToken prefers a caller-supplied request identifier; absent one, it
// derives a stable token from the request content so retries of byte-identical
// requests collide.
func DeriveToken(requestID string, content []byte) string {
	if requestID != "" {
		return requestID
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
