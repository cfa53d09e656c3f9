package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// jobNamespace salts the deterministic job id derivation.
var jobNamespace = uuid.MustParse("6f1c24b8-90d3-44f1-8b5a-0f7d2a9c51e3")

// JobID derives a stable id from the task and trigger time, so rescheduling
// the same reminder lands on the same row instead of creating a duplicate.
func JobID(taskID string, remindAt time.Time) string {
	name := fmt.Sprintf("%s|%d", taskID, remindAt.UTC().Unix())
	return uuid.NewSHA1(jobNamespace, []byte(name)).String()
}
