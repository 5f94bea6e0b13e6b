// Package concurrency provides the per-operation transaction handle the
// B+Tree uses to track latched pages during a descent and pages queued for
// deletion.
package concurrency

import (
	"sync"

	"github.com/google/uuid"

	"trilodb/pkg/buffer"
)

// Transaction carries the state of one in-flight index operation. Each
// client runs at most one operation at a time, so the clientID identifies
// both the transaction and its client.
//
// pageSet holds the pages currently write-latched by the descent, in
// acquisition order (root first). A nil entry is a marker meaning "this
// transaction holds the tree's root latch".
type Transaction struct {
	clientID       uuid.UUID
	pageSet        []*buffer.Page
	deletedPageSet map[int64]struct{}
	mtx            sync.RWMutex
}

// NewTransaction constructs a transaction with a fresh client id.
func NewTransaction() *Transaction {
	return &Transaction{
		clientID:       uuid.New(),
		deletedPageSet: make(map[int64]struct{}),
	}
}

// GetClientID returns the transaction's client id.
func (t *Transaction) GetClientID() (clientID uuid.UUID) {
	return t.clientID
}

// AddIntoPageSet appends a latched page to the page set. A nil page marks
// that the transaction holds the root latch.
func (t *Transaction) AddIntoPageSet(page *buffer.Page) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.pageSet = append(t.pageSet, page)
}

// GetPageSet returns the latched pages in acquisition order.
func (t *Transaction) GetPageSet() []*buffer.Page {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.pageSet
}

// PopPageSet removes and returns the most recently added page set entry.
func (t *Transaction) PopPageSet() *buffer.Page {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	last := t.pageSet[len(t.pageSet)-1]
	t.pageSet = t.pageSet[:len(t.pageSet)-1]
	return last
}

// ClearPageSet empties the page set.
func (t *Transaction) ClearPageSet() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.pageSet = t.pageSet[:0]
}

// AddIntoDeletedPageSet queues a pagenum for physical deletion once the
// operation's latches are released.
func (t *Transaction) AddIntoDeletedPageSet(pagenum int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.deletedPageSet[pagenum] = struct{}{}
}

// GetDeletedPageSet returns the pagenums queued for deletion.
func (t *Transaction) GetDeletedPageSet() map[int64]struct{} {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.deletedPageSet
}

// ClearDeletedPageSet empties the deleted page set.
func (t *Transaction) ClearDeletedPageSet() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.deletedPageSet = make(map[int64]struct{})
}
