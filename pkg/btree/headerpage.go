package btree

import (
	"bytes"
	"encoding/binary"

	"trilodb/pkg/assert"
	"trilodb/pkg/buffer"
)

// The header page (pagenum 0) persists one record per index: a fixed-width
// name followed by the index's root pagenum. Every root change is written
// through it before the mutating operation releases its latches, so a
// reopened database can find its trees again.

const (
	HEADER_COUNT_OFFSET int64 = 0
	HEADER_COUNT_SIZE   int64 = binary.MaxVarintLen64
	RECORD_NAME_SIZE    int64 = 32
	RECORD_ROOT_SIZE    int64 = binary.MaxVarintLen64
	RECORD_SIZE         int64 = RECORD_NAME_SIZE + RECORD_ROOT_SIZE
	MAX_HEADER_RECORDS  int64 = (buffer.Pagesize - HEADER_COUNT_SIZE) / RECORD_SIZE
)

// headerPage wraps the pinned, latched page 0.
type headerPage struct {
	page *buffer.Page
}

// numRecords returns the number of records stored on the header page.
func (h headerPage) numRecords() int64 {
	count, _ := binary.Varint(h.page.GetData()[HEADER_COUNT_OFFSET : HEADER_COUNT_OFFSET+HEADER_COUNT_SIZE])
	return count
}

// recordPos returns the page offset of the ith record.
func recordPos(index int64) int64 {
	return HEADER_COUNT_SIZE + index*RECORD_SIZE
}

// findRecord returns the slot of the record with the given name, or -1.
func (h headerPage) findRecord(indexName string) int64 {
	name := encodeIndexName(indexName)
	for i := int64(0); i < h.numRecords(); i++ {
		startPos := recordPos(i)
		if bytes.Equal(h.page.GetData()[startPos:startPos+RECORD_NAME_SIZE], name) {
			return i
		}
	}
	return -1
}

// getRecord returns the root pagenum recorded for the given name.
func (h headerPage) getRecord(indexName string) (rootPN int64, found bool) {
	slot := h.findRecord(indexName)
	if slot < 0 {
		return 0, false
	}
	startPos := recordPos(slot) + RECORD_NAME_SIZE
	rootPN, _ = binary.Varint(h.page.GetData()[startPos : startPos+RECORD_ROOT_SIZE])
	return rootPN, true
}

// insertRecord appends a fresh (name, rootPN) record.
func (h headerPage) insertRecord(indexName string, rootPN int64) {
	count := h.numRecords()
	assert.Assert(count < MAX_HEADER_RECORDS, "header page is full")
	assert.Assert(h.findRecord(indexName) < 0, "duplicate header record for %q", indexName)

	h.writeRecord(count, indexName, rootPN)
	countData := make([]byte, HEADER_COUNT_SIZE)
	binary.PutVarint(countData, count+1)
	h.page.Update(countData, HEADER_COUNT_OFFSET, HEADER_COUNT_SIZE)
}

// updateRecord overwrites the root pagenum of an existing record.
func (h headerPage) updateRecord(indexName string, rootPN int64) {
	slot := h.findRecord(indexName)
	assert.Assert(slot >= 0, "updating missing header record for %q", indexName)
	h.writeRecord(slot, indexName, rootPN)
}

// writeRecord serializes one record into the given slot.
func (h headerPage) writeRecord(slot int64, indexName string, rootPN int64) {
	record := make([]byte, RECORD_SIZE)
	copy(record, encodeIndexName(indexName))
	binary.PutVarint(record[RECORD_NAME_SIZE:], rootPN)
	h.page.Update(record, recordPos(slot), RECORD_SIZE)
}

// encodeIndexName pads or truncates the name to the fixed record width.
func encodeIndexName(indexName string) []byte {
	name := make([]byte, RECORD_NAME_SIZE)
	copy(name, indexName)
	return name
}

// ensureHeaderPage allocates page 0 if the database file is brand new.
func (index *Index) ensureHeaderPage() error {
	if index.manager.GetDiskManager().GetNumPages() > 0 {
		return nil
	}
	page, err := index.manager.GetNewPage()
	if err != nil {
		return err
	}
	pagenum := page.GetPageNum()
	assert.Assert(pagenum == HEADER_PAGE_ID, "first allocated page is %d, not the header", pagenum)
	index.manager.PutPage(pagenum, true)
	return nil
}

// updateRootRecord persists the index's current root pagenum into the header
// page, inserting the record on first use. Must be called before the
// enclosing mutation releases its latches.
func (index *Index) updateRootRecord() error {
	page, err := index.manager.GetPage(HEADER_PAGE_ID)
	if err != nil {
		return err
	}
	page.WLock()
	header := headerPage{page: page}
	if header.findRecord(index.indexName) < 0 {
		header.insertRecord(index.indexName, index.rootPN)
	} else {
		header.updateRecord(index.indexName, index.rootPN)
	}
	page.WUnlock()
	index.manager.PutPage(HEADER_PAGE_ID, true)
	return nil
}

// ReadRootRecord looks up the root pagenum recorded for the given index
// name on the header page of the pool's database file.
func ReadRootRecord(manager *buffer.Manager, indexName string) (rootPN int64, found bool, err error) {
	if manager.GetDiskManager().GetNumPages() == 0 {
		return 0, false, nil
	}
	page, err := manager.GetPage(HEADER_PAGE_ID)
	if err != nil {
		return 0, false, err
	}
	page.RLock()
	rootPN, found = headerPage{page: page}.getRecord(indexName)
	page.RUnlock()
	manager.PutPage(HEADER_PAGE_ID, false)
	return rootPN, found, nil
}
