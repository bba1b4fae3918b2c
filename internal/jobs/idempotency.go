// Package jobs implements the background job pipeline: the queue boundary,
// the job processor, and the outbox poller that connects the store's pending
// job records to execution.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mirelabs/fable/internal/store"
)

// IdempotencyKey derives a deterministic key from the job's identity fields
// and canonical payload JSON. Two jobs with the same type, target, and
// payload always produce the same key, letting queue implementations dedup.
func IdempotencyKey(job *store.Job) string {
	parts := []string{
		job.Type,
		job.SessionID,
		job.BranchID,
		fmt.Sprintf("%d", job.AnchorRound),
		fmt.Sprintf("%d", job.BaseRangeEnd),
	}
	// json.Marshal emits map keys sorted, giving a canonical payload form.
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|") + "|" + string(payload)))
	return hex.EncodeToString(sum[:])
}
