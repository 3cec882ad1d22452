// Package hashring assigns the fixed bucket space across live workers.
package hashring

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

type point struct {
	hash   uint64
	member string
}

// Ring is a consistent-hash ring over a member list. Construction is a pure
// function of the members and the virtual-node count, so every worker that
// sees the same live set computes the same global assignment without
// negotiation. Membership changes move only the buckets adjacent to the
// affected member's virtual points.
type Ring struct {
	points       []point
	virtualNodes int
}

// New builds a ring with the given virtual-node count per member. Duplicate
// members are collapsed.
func New(members []string, virtualNodes int) *Ring {
	ring := &Ring{virtualNodes: virtualNodes}

	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		if _, dup := seen[member]; dup || member == "" {
			continue
		}
		seen[member] = struct{}{}
		for i := 0; i < virtualNodes; i++ {
			hash := xxhash.Sum64String(member + "#" + strconv.Itoa(i))
			ring.points = append(ring.points, point{hash: hash, member: member})
		}
	}

	sort.Slice(ring.points, func(i, j int) bool {
		if ring.points[i].hash == ring.points[j].hash {
			return ring.points[i].member < ring.points[j].member
		}
		return ring.points[i].hash < ring.points[j].hash
	})
	return ring
}

// Owner returns the member owning the given key, or "" on an empty ring.
func (r *Ring) Owner(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	hash := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= hash
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].member
}

// BucketOwner returns the member owning the numbered bucket.
func (r *Ring) BucketOwner(bucketID int) string {
	return r.Owner(strconv.Itoa(bucketID))
}

// Assign partitions buckets [0, bucketCount) across the ring members. Every
// bucket is assigned to exactly one member.
func (r *Ring) Assign(bucketCount int) map[int]string {
	assignment := make(map[int]string, bucketCount)
	for bucketID := 0; bucketID < bucketCount; bucketID++ {
		assignment[bucketID] = r.BucketOwner(bucketID)
	}
	return assignment
}

// BucketsFor returns the buckets in [0, bucketCount) owned by member.
func (r *Ring) BucketsFor(member string, bucketCount int) map[int]struct{} {
	owned := make(map[int]struct{})
	for bucketID := 0; bucketID < bucketCount; bucketID++ {
		if r.BucketOwner(bucketID) == member {
			owned[bucketID] = struct{}{}
		}
	}
	return owned
}
