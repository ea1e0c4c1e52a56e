package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for notice subjects. One
// household always maps to the same shard so its notices stay ordered.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a household.
func GetShardID(householdID string) int {
	checksum := crc32.ChecksumIEEE([]byte(householdID))
	return int(checksum % ShardCount)
}

// NoticeSubject returns the NATS subject event-created notices are published
// on. Format: fam.notice.{shard_id}.household.{household_id}
func NoticeSubject(householdID string) string {
	return fmt.Sprintf("fam.notice.%d.household.%s", GetShardID(householdID), householdID)
}
