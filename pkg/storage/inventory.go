package storage

import (
	"sort"

	"datanet/pkg/types"
)

// FilterEntry tells a peer which version of an entry the requester holds.
type FilterEntry struct {
	Hash           types.Hash
	SequenceNumber int32
}

// DataFilter lists what the requester already has. Offset and Range page
// through a store's inventory; a zero Range means no paging limit.
type DataFilter struct {
	Entries []FilterEntry
	Offset  int
	Range   int
}

func (f DataFilter) index() map[types.Hash]int32 {
	m := make(map[types.Hash]int32, len(f.Entries))
	for _, e := range f.Entries {
		m[e.Hash] = e.SequenceNumber
	}
	return m
}

// Inventory is the set of requests a peer is missing.
type Inventory struct {
	Entries []DataRequest
	// NumDropped counts entries left out because of the item cap or paging.
	NumDropped int
	// MaxSizeReached is set when the response byte budget was exhausted.
	MaxSizeReached bool
}

// NoDataMissing reports whether the responder sent everything it had.
func (i Inventory) NoDataMissing() bool {
	return i.NumDropped == 0 && !i.MaxSizeReached
}

// missingEntries returns the requests whose hash is unknown to the filter or
// known at a lower sequence number.
func missingEntries[R DataRequest](entries map[types.Hash]R, filter map[types.Hash]int32) []R {
	var out []R
	for hash, req := range entries {
		theirs, ok := filter[hash]
		if !ok || req.SequenceNumber() > theirs {
			out = append(out, req)
		}
	}
	return out
}

// sortForInventory puts add requests before removals and newer before older.
func sortForInventory[R DataRequest](reqs []R) {
	sort.SliceStable(reqs, func(i, j int) bool {
		ai, aj := isAdd(reqs[i]), isAdd(reqs[j])
		if ai != aj {
			return ai
		}
		if reqs[i].CreatedAt() != reqs[j].CreatedAt() {
			return reqs[i].CreatedAt() > reqs[j].CreatedAt()
		}
		hi, hj := reqs[i].Hash(), reqs[j].Hash()
		return string(hi[:]) < string(hj[:])
	})
}

func page[R any](reqs []R, offset, rng, maxItems int) []R {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(reqs) {
		return nil
	}
	end := len(reqs)
	limit := maxItems
	if rng > 0 && rng < limit {
		limit = rng
	}
	if offset+limit < end {
		end = offset + limit
	}
	return reqs[offset:end]
}

func isAdd(r DataRequest) bool {
	_, ok := r.(AddDataRequest)
	return ok
}

func filterEntryFor(r DataRequest) FilterEntry {
	return FilterEntry{Hash: r.Hash(), SequenceNumber: r.SequenceNumber()}
}
