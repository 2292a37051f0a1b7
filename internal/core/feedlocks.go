package core

import "sync"

// FeedLocks serializes same-feed crawls within one process: the
// fetch-then-write portions of two crawls for the same feed never interleave
// even before either has opened a database transaction. Only the apply phase
// runs inside a transaction (TransactionImmediate); a crawl's earlier reads
// of the feed's pages and posts are protected from a concurrent same-feed
// crawl by this lock alone, and crawls in separate processes are not
// serialized by it. See SPEC_FULL.md section 5.
type FeedLocks struct {
	mus sync.Map // feedID (int64) -> *sync.Mutex
}

// NewFeedLocks creates an empty FeedLocks.
func NewFeedLocks() *FeedLocks {
	return &FeedLocks{}
}

// Lock acquires the mutex for feedID, creating it on first use, and returns
// the function that releases it.
func (f *FeedLocks) Lock(feedID int64) func() {
	actual, _ := f.mus.LoadOrStore(feedID, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
