package concurrency_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"trilodb/pkg/buffer"
	"trilodb/pkg/concurrency"
)

func TestTransactionsHaveDistinctClientIDs(t *testing.T) {
	first := concurrency.NewTransaction()
	second := concurrency.NewTransaction()
	require.NotEqual(t, first.GetClientID(), second.GetClientID())
}

func TestPageSetOrdering(t *testing.T) {
	txn := concurrency.NewTransaction()
	pages := []*buffer.Page{nil, {}, {}}
	for _, page := range pages {
		txn.AddIntoPageSet(page)
	}
	require.Equal(t, pages, txn.GetPageSet())

	// Pops come off the tail, mirroring the descent order.
	require.Same(t, pages[2], txn.PopPageSet())
	require.Len(t, txn.GetPageSet(), 2)

	txn.ClearPageSet()
	require.Empty(t, txn.GetPageSet())
}

func TestDeletedPageSet(t *testing.T) {
	txn := concurrency.NewTransaction()
	txn.AddIntoDeletedPageSet(3)
	txn.AddIntoDeletedPageSet(7)
	txn.AddIntoDeletedPageSet(3)

	require.Len(t, txn.GetDeletedPageSet(), 2)
	require.Contains(t, txn.GetDeletedPageSet(), int64(3))
	require.Contains(t, txn.GetDeletedPageSet(), int64(7))

	txn.ClearDeletedPageSet()
	require.Empty(t, txn.GetDeletedPageSet())
}
