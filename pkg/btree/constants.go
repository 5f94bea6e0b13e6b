package btree

import (
	"encoding/binary"

	"trilodb/pkg/buffer"
	"trilodb/pkg/entry"
)

// The header page lives at pagenum 0 and maps index names to root pagenums.
// Keeping it at a fixed pagenum saves us the effort of having to find an
// index's root every time the database is opened.
const HEADER_PAGE_ID int64 = 0

// Shared node header constants. Every node page starts with the node type,
// the current size, the max size, and the parent pagenum.
const (
	NODETYPE_OFFSET  int64 = 0
	NODETYPE_SIZE    int64 = 1
	SIZE_OFFSET      int64 = NODETYPE_OFFSET + NODETYPE_SIZE
	SIZE_SIZE        int64 = binary.MaxVarintLen64
	MAX_SIZE_OFFSET  int64 = SIZE_OFFSET + SIZE_SIZE
	MAX_SIZE_SIZE    int64 = binary.MaxVarintLen64
	PARENT_PN_OFFSET int64 = MAX_SIZE_OFFSET + MAX_SIZE_SIZE
	PARENT_PN_SIZE   int64 = binary.MaxVarintLen64
	NODE_HEADER_SIZE int64 = NODETYPE_SIZE + SIZE_SIZE + MAX_SIZE_SIZE + PARENT_PN_SIZE
)

// Leaf node header constants. Leaves additionally link to their right
// sibling, then hold a dense array of marshalled entries.
const (
	NEXT_PN_OFFSET        int64 = NODE_HEADER_SIZE
	NEXT_PN_SIZE          int64 = binary.MaxVarintLen64
	LEAF_NODE_HEADER_SIZE int64 = NODE_HEADER_SIZE + NEXT_PN_SIZE
	// One slot of slack is reserved so a leaf left transiently overfull by
	// a failed split still fits in the page.
	MAX_LEAF_ENTRIES int64 = (buffer.Pagesize-LEAF_NODE_HEADER_SIZE)/entry.Size - 1
)

// Internal node constants. Internal nodes hold a key array directly after
// the header and a child pagenum array after it; the key slot at index 0 is
// unused. Both arrays carry one slot of slack beyond the node's max size,
// and the pagenum array's offset depends on the max size, so it is computed
// per node rather than fixed here.
const (
	KEY_SIZE              int64 = binary.MaxVarintLen64
	PN_SIZE               int64 = binary.MaxVarintLen64
	KEYS_OFFSET           int64 = NODE_HEADER_SIZE
	MAX_INTERNAL_CHILDREN int64 = (buffer.Pagesize-NODE_HEADER_SIZE)/(KEY_SIZE+PN_SIZE) - 1
)
