package btree

// StreamSize reports the backing stream's high-water mark, a proxy for how
// large the tree has grown. Package query weighs it against an equation's
// operator selectivity when picking the index to drive a scan.
func (t *Tree) StreamSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hdr.MaximumSize
}
