package index

import "encoding/binary"

// Order returns the byte order keys in this index are encoded with, needed
// by package query to decode raw B+tree key bytes back into typed predicate
// values.
func (ix *Index) Order() binary.ByteOrder { return ix.order }
