package api

import "github.com/google/uuid"

// NewID returns a globally unique, time-sortable identifier (UUIDv7).
// Falls back to a random UUID in the unlikely case v7 generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DeterministicJobUUID derives a stable job UUID from a step-run id and a
// slot within it (item index and dispatch attempt). Redelivery of the same
// dispatch request yields the same UUID, so the idempotent-dispatch check
// on the ledger absorbs duplicates.
func DeterministicJobUUID(stepRunID string, slot string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(stepRunID+"/"+slot)).String()
}
