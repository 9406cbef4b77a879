// Package rollout assigns devices to a release's rollout percentage.
// Bucketing is deterministic and stable: the same (device, release) pair
// always lands in the same bucket, and buckets are independent across
// releases so consecutive rollouts sample different device populations.
package rollout

import (
	"crypto/sha256"
	"encoding/binary"
)

// Included decides whether the device participates in the rollout.
func Included(percentage int, releaseID, deviceID string) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	sum := sha256.Sum256([]byte(deviceID + ":" + releaseID))
	bucket := binary.BigEndian.Uint32(sum[:4]) % 100
	return bucket < uint32(percentage)
}
