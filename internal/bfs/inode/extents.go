package inode

import "github.com/distr1/bfs/internal/bfs/ondisk"

// Extents returns every block-run backing this inode's data stream, across
// all three tiers, including the indirect array and double-indirect
// index/lower-array blocks themselves: every block a shadow allocation
// bitmap must account for. Order is direct, then indirect (descriptor first,
// then its entries), then double-indirect (top index first, then each lower
// array and its entries).
func (in *Inode) Extents() ([]ondisk.BlockRun, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var out []ondisk.BlockRun

	for _, r := range in.hdr.Direct {
		if r.IsZero() {
			break
		}
		out = append(out, r)
	}

	if !in.hdr.Indirect.IsZero() {
		out = append(out, in.hdr.Indirect)
		entries, err := in.readBlockRunArray(in.hdr.Indirect.Absolute(in.vol.BlocksPerGroup()), in.indirectEntries())
		if err != nil {
			return nil, err
		}
		for _, r := range entries {
			if r.IsZero() {
				break
			}
			out = append(out, r)
		}
	}

	if !in.hdr.DoubleIndirect.IsZero() {
		out = append(out, in.hdr.DoubleIndirect)
		top, err := in.readBlockRunArray(in.hdr.DoubleIndirect.Absolute(in.vol.BlocksPerGroup()), in.doubleIndexEntries())
		if err != nil {
			return nil, err
		}
		perBlock := int(in.vol.BlockSize()) / blockRunBytes
		for _, t := range top {
			if t.IsZero() {
				break
			}
			out = append(out, t)
			lower, err := in.readBlockRunArray(t.Absolute(in.vol.BlocksPerGroup()), perBlock)
			if err != nil {
				return nil, err
			}
			for _, l := range lower {
				if l.IsZero() {
					break
				}
				out = append(out, l)
			}
		}
	}

	return out, nil
}
