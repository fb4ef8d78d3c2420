package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// ActivityID derives the deterministic activity id. On-chain events
// hash the full log coordinates; off-chain events have no log and hash
// the order id instead. Redelivery of the same event always maps to the
// same id, which is what makes the activity insert idempotent.
func ActivityID(t model.ActivityType, log *event.LogRef, orderID string) string {
	var seed string
	if log != nil {
		seed = fmt.Sprintf("%s:%s:%d:%d", t, log.TxHash, log.LogIndex, log.BatchIndex)
	} else {
		seed = fmt.Sprintf("%s:%s", t, orderID)
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
