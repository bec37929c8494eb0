package gate

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/wa-gate/internal/core"
)

var referenceNamespace = uuid.MustParse("6f1c2a0e-4b7d-5e93-9a1f-3c8d2e7b5a41")

// ReferenceID derives the provider reference id for a notification. Repeated
// dispatches of the same ticket notification inside one bucket share an id,
// so the provider can drop duplicates. Without a ticket id it is random.
func ReferenceID(tenantID, ticketID string, kind core.NotificationKind, at time.Time, bucket time.Duration) string {
	if ticketID == "" {
		return uuid.NewString()
	}
	if bucket <= 0 {
		bucket = DefaultReferenceBucket
	}
	slot := at.UTC().Truncate(bucket).Unix()
	seed := tenantID + "|" + ticketID + "|" + string(kind) + "|" + strconv.FormatInt(slot, 10)
	return uuid.NewSHA1(referenceNamespace, []byte(seed)).String()
}
