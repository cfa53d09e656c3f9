package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of owner partitions.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for an owner.
func GetShardID(ownerID string) int {
	checksum := crc32.ChecksumIEEE([]byte(ownerID))
	return int(checksum % ShardCount)
}

// TaskEventSubject returns the subject lifecycle events for one owner are
// published on. Format: task.event.{shard_id}.owner.{owner_id}
func TaskEventSubject(ownerID string) string {
	return fmt.Sprintf("task.event.%d.owner.%s", GetShardID(ownerID), ownerID)
}

// ReminderEventSubject returns the subject reminder events for one owner are
// published on. Format: reminder.event.{shard_id}.owner.{owner_id}
func ReminderEventSubject(ownerID string) string {
	return fmt.Sprintf("reminder.event.%d.owner.%s", GetShardID(ownerID), ownerID)
}

// OwnerTaskFilter returns the wildcard subject matching all lifecycle events
// for one owner, regardless of shard.
func OwnerTaskFilter(ownerID string) string {
	return "task.event.*.owner." + ownerID
}
