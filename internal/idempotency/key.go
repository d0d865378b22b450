// Package idempotency provides a durable ledger that deduplicates
// effectful research-step calls: "has step S for prospect I with input
// hash H already run, and what was the result."
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// InputHash returns a truncated hash of the canonical (key-sorted) JSON
// form of a step's input. Semantically identical inputs map to the same
// hash regardless of field order.
func InputHash(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", eris.Wrap(err, "idempotency: marshal input")
	}

	// Round-trip through a generic value so map keys come out sorted.
	// UseNumber keeps numeric literals byte-stable.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", eris.Wrap(err, "idempotency: decode input")
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", eris.Wrap(err, "idempotency: canonicalize input")
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Key derives the ledger key for one step invocation. The derivation
// (hex SHA-256 over "itemID:stepName:inputHash") is stable so new code
// interoperates with previously recorded entries.
func Key(itemID, stepName, inputHash string) string {
	sum := sha256.Sum256([]byte(itemID + ":" + stepName + ":" + inputHash))
	return hex.EncodeToString(sum[:])
}
