package buffer

import (
	"sync"

	"trilodb/pkg/assert"
	"trilodb/pkg/list"
)

// LRUKReplacer picks eviction victims for the buffer pool by LRU-K: the
// victim is the frame whose K-th most recent access lies furthest in the
// past. Frames with fewer than K recorded accesses get an infinite backward
// K-distance and are preferred, ordered by their earliest recorded access.
//
// Frames are partitioned into two cohorts: the history cohort (fewer than K
// accesses) and the cache cohort (K accesses). Each cohort list holds only
// the evictable frames of that cohort.
type LRUKReplacer struct {
	k           int64
	numFrames   int64
	clock       uint64
	curSize     int64 // Count of evictable frames.
	nodes       map[int64]*lruKNode
	historyList *list.List[int64]
	cacheList   *list.List[int64]
	mtx         sync.Mutex
}

// lruKNode tracks one frame's access history, newest first, bounded to K
// entries. link is non-nil iff the frame is evictable, and points into the
// cohort list the frame currently belongs to.
type lruKNode struct {
	history   []uint64
	evictable bool
	link      *list.Link[int64]
}

// NewLRUKReplacer constructs a replacer for a pool of numFrames frames.
func NewLRUKReplacer(numFrames int64, k int64) *LRUKReplacer {
	assert.Assert(k > 0, "k must be positive")
	return &LRUKReplacer{
		k:           k,
		numFrames:   numFrames,
		nodes:       make(map[int64]*lruKNode),
		historyList: list.NewList[int64](),
		cacheList:   list.NewList[int64](),
	}
}

// RecordAccess advances the logical clock and stamps the given frame with the
// new timestamp, creating its tracking node on first access.
func (r *LRUKReplacer) RecordAccess(frameID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	assert.Assert(frameID >= 0 && frameID < r.numFrames, "invalid frame id %d", frameID)

	r.clock++
	node, ok := r.nodes[frameID]
	if !ok {
		node = &lruKNode{}
		r.nodes[frameID] = node
	}

	oldCount := int64(len(node.history))
	node.history = append([]uint64{r.clock}, node.history...)
	if int64(len(node.history)) > r.k {
		node.history = node.history[:r.k]
	}

	// The K-th access promotes an evictable frame from the history cohort
	// to the cache cohort.
	if node.evictable && oldCount < r.k && int64(len(node.history)) == r.k {
		node.link.PopSelf()
		node.link = r.cacheList.PushHead(frameID)
	}
}

// SetEvictable flips whether the frame may be chosen as a victim. It is a
// contract violation to call it for a frame that has never been accessed.
func (r *LRUKReplacer) SetEvictable(frameID int64, evictable bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	assert.Assert(frameID >= 0 && frameID < r.numFrames, "invalid frame id %d", frameID)

	node, ok := r.nodes[frameID]
	assert.Assert(ok, "SetEvictable on frame %d with no recorded access", frameID)

	if node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		r.curSize++
		if int64(len(node.history)) < r.k {
			node.link = r.historyList.PushHead(frameID)
		} else {
			node.link = r.cacheList.PushHead(frameID)
		}
	} else {
		r.curSize--
		node.link.PopSelf()
		node.link = nil
	}
}

// Remove drops the frame's access history entirely. Removing a tracked frame
// that is not evictable is a programming error; removing an untracked frame
// is a no-op.
func (r *LRUKReplacer) Remove(frameID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	assert.Assert(frameID >= 0 && frameID < r.numFrames, "invalid frame id %d", frameID)

	node, ok := r.nodes[frameID]
	if !ok {
		return
	}
	assert.Assert(node.evictable, "Remove called on non-evictable frame %d", frameID)

	node.link.PopSelf()
	r.curSize--
	delete(r.nodes, frameID)
}

// Evict chooses a victim frame, drops its history, and returns it. History
// cohort frames are preferred, ordered by earliest recorded access; otherwise
// the cache cohort frame with the oldest K-th most recent access is chosen.
// Returns false when no frame is evictable.
func (r *LRUKReplacer) Evict() (frameID int64, ok bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.curSize == 0 {
		return 0, false
	}

	victim, found := r.scanCohort(r.historyList)
	if !found {
		victim, found = r.scanCohort(r.cacheList)
	}
	if !found {
		return 0, false
	}

	node := r.nodes[victim]
	node.link.PopSelf()
	r.curSize--
	delete(r.nodes, victim)
	return victim, true
}

// scanCohort finds the frame in the cohort with the smallest backward
// timestamp. Both cohorts store histories newest-first, so the comparison key
// is the last history element: the earliest access for history-cohort frames
// and the K-th most recent access for cache-cohort frames.
func (r *LRUKReplacer) scanCohort(cohort *list.List[int64]) (victim int64, found bool) {
	var best uint64
	cohort.Map(func(link *list.Link[int64]) {
		fid := link.GetValue()
		node := r.nodes[fid]
		stamp := node.history[len(node.history)-1]
		if !found || stamp < best {
			best = stamp
			victim = fid
			found = true
		}
	})
	return victim, found
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.curSize
}
