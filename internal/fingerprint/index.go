package fingerprint

import (
	"math/rand"
	"sync"

	"github.com/evolu-go/evolu/internal/clock"
)

// MaxTimestamp is an upper sentinel strictly greater than any real
// Timestamp, used as the hi bound when a range should extend to the end
// of the set.
var MaxTimestamp = clock.Timestamp{Millis: clock.MaxMillis, Counter: clock.MaxCounter, Node: clock.NodeID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}}

// DefaultLeafThreshold is the default for syncengine.Options.LeafThreshold
// and the bucket size Buckets uses when given a non-positive targetSize
// (spec §9 open question: resolved as a configurable default rather than a
// hardcoded constant). Reconciliation does not subdivide a diverging range
// by it: every mismatching bucket is exchanged directly.
const DefaultLeafThreshold = 128

// Index is a concurrency-safe fingerprint index over a set of
// clock.Timestamp values, backed by an augmented treap. One Index exists
// per owner's local replica.
type Index struct {
	mu   sync.RWMutex
	root *node
	rng  *rand.Rand
}

// New creates an empty fingerprint index. seed fixes the treap's priority
// randomization for reproducible tests; 0 is treated as seed 1, so every
// index built with New is deterministic.
func New(seed int64) *Index {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(1) // deterministic priorities don't affect correctness, only balance
	}
	return &Index{rng: rand.New(src)}
}

// Insert adds ts to the index. Idempotent: inserting the same timestamp
// twice is a no-op.
func (idx *Index) Insert(ts clock.Timestamp) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.root, _ = insert(idx.root, ts, idx.rng)
}

// Remove deletes ts from the index, if present.
func (idx *Index) Remove(ts clock.Timestamp) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.root = remove(idx.root, ts)
}

// Size returns the total number of timestamps in the index.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return nodeSize(idx.root)
}

// Fingerprint returns the XOR-of-hash aggregate over every timestamp in
// [lo, hi), a fixed-size 12-byte summary that is identical on both peers
// exactly when their timestamp sets over that range are identical. The
// aggregate is commutative (insertion order doesn't matter), associative
// (adjacent ranges can be merged by XOR), and self-inverse (XORing a
// value in twice cancels it out), which is what lets prefixAgg compute any
// [lo, hi) range from two O(log n) prefix queries.
func (idx *Index) Fingerprint(lo, hi clock.Timestamp) [12]byte {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	hiXor, _ := prefixAgg(idx.root, hi)
	loXor, _ := prefixAgg(idx.root, lo)
	return xor12(hiXor, loXor)
}

// RangeSize returns the count of timestamps in [lo, hi).
func (idx *Index) RangeSize(lo, hi clock.Timestamp) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, hiCount := prefixAgg(idx.root, hi)
	_, loCount := prefixAgg(idx.root, lo)
	return hiCount - loCount
}

// FindLowerBound returns the number of timestamps strictly less than ts —
// its rank, i.e. the position it would be inserted at to keep the set
// sorted.
func (idx *Index) FindLowerBound(ts clock.Timestamp) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, count := prefixAgg(idx.root, ts)
	return count
}

// SelectKth returns the k-th smallest timestamp in the index (0-indexed),
// or false if k is out of range. Used to find watermarks such as "the
// latest timestamp currently held" (k = Size()-1).
func (idx *Index) SelectKth(k int) (clock.Timestamp, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return selectKth(idx.root, k)
}

// Iterate calls fn for every timestamp in [lo, hi), in ascending order.
func (idx *Index) Iterate(lo, hi clock.Timestamp, fn func(clock.Timestamp)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	iterate(idx.root, lo, hi, fn)
}

// Bucket is one balanced slice of a fingerprint range: its bounds, the
// fingerprint over that range, and how many timestamps it covers.
type Bucket struct {
	Lo          clock.Timestamp
	Hi          clock.Timestamp
	Fingerprint [12]byte
	Count       int
}

// Buckets splits [lo, hi) into roughly-equal-sized buckets of about
// targetSize timestamps each and returns each bucket's boundaries,
// fingerprint, and count. This is the wire payload of a
// RangeFingerprints protocol frame (spec §4.5): the receiving peer
// computes its own Fingerprint over each reported [Lo, Hi) and compares,
// narrowing to only the buckets that disagree — the tree structure itself
// never needs to cross the wire, only these boundary timestamps.
func (idx *Index) Buckets(lo, hi clock.Timestamp, targetSize int) []Bucket {
	if targetSize <= 0 {
		targetSize = DefaultLeafThreshold
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	_, loRank := prefixAgg(idx.root, lo)
	_, hiRank := prefixAgg(idx.root, hi)
	total := hiRank - loRank
	if total <= 0 {
		return nil
	}

	numBuckets := total / targetSize
	if total%targetSize != 0 || numBuckets == 0 {
		numBuckets++
	}

	boundaries := make([]clock.Timestamp, 0, numBuckets+1)
	boundaries = append(boundaries, lo)
	for i := 1; i < numBuckets; i++ {
		rank := loRank + i*total/numBuckets
		key, ok := selectKth(idx.root, rank)
		if !ok {
			break
		}
		boundaries = append(boundaries, key)
	}
	boundaries = append(boundaries, hi)

	buckets := make([]Bucket, 0, len(boundaries)-1)
	for i := 0; i+1 < len(boundaries); i++ {
		b := boundaries[i]
		e := boundaries[i+1]
		if b.Compare(e) == 0 {
			continue
		}
		eXor, eCount := prefixAgg(idx.root, e)
		bXor, bCount := prefixAgg(idx.root, b)
		buckets = append(buckets, Bucket{
			Lo:          b,
			Hi:          e,
			Fingerprint: xor12(eXor, bXor),
			Count:       eCount - bCount,
		})
	}
	return buckets
}
