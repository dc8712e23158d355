package od

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// ObjectDictionary is a sorted, fixed-size slice of entries addressed by
// Index, searched by binary search. Unlike the teacher's map-based
// dictionary, the slice is built once at construction time and never
// reallocated afterwards: every AddXxx call appends to a builder slice,
// and Finalize sorts it and locks in the layout before the node ever
// processes a frame.
type ObjectDictionary struct {
	entries []*Entry
	final   bool
	NodeID  uint8
	log     *logrus.Entry
}

// NewObjectDictionary creates an empty, unfinalized dictionary for the
// given node-id. nodeID is only stored in NodeID: no entry value is
// adjusted by it, so node-id-offset defaults are not applied.
func NewObjectDictionary(nodeID uint8) *ObjectDictionary {
	return &ObjectDictionary{
		NodeID: nodeID,
		log:    logrus.WithField("service", "od"),
	}
}

// AddEntry appends a new entry. Panics if called after Finalize, since a
// dictionary that has started processing frames must never reshape its
// backing array — any pointer a service holds into it would dangle.
func (od *ObjectDictionary) AddEntry(entry *Entry) {
	if od.final {
		od.log.WithField("index", entry.Index).Error("AddEntry called after Finalize")
		panic("od: AddEntry called after Finalize")
	}
	od.entries = append(od.entries, entry)
}

// AddVariableType is a convenience wrapper building a VAR entry in place.
func (od *ObjectDictionary) AddVariableType(index uint16, name string, v *Variable) *Entry {
	entry := NewEntry(index, name, v, ObjectTypeVAR)
	od.AddEntry(entry)
	return entry
}

// AddVariableList builds an ARRAY or RECORD entry from a VariableList.
func (od *ObjectDictionary) AddVariableList(index uint16, name string, list *VariableList) *Entry {
	entry := NewEntry(index, name, list, list.ObjectType)
	od.AddEntry(entry)
	return entry
}

// Finalize sorts the entries by index and forbids further structural
// changes. Must be called exactly once, before the node starts processing
// frames or ticks.
func (od *ObjectDictionary) Finalize() {
	sort.Slice(od.entries, func(i, j int) bool { return od.entries[i].Index < od.entries[j].Index })
	od.final = true
}

// Index performs a binary search for the entry at the given dictionary
// index, returning ErrIdxNotExist if absent. O(log n) per spec.md §3.
func (od *ObjectDictionary) Index(index uint16) (*Entry, error) {
	entries := od.entries
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].Index < index {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(entries) && entries[lo].Index == index {
		return entries[lo], nil
	}
	return nil, ErrIdxNotExist
}

// Find is an alias for Index kept for callers that read more naturally
// searching "by index" than "looking up an index".
func (od *ObjectDictionary) Find(index uint16) (*Entry, error) {
	return od.Index(index)
}

// Len reports the number of entries currently in the dictionary.
func (od *ObjectDictionary) Len() int { return len(od.entries) }

// Entries exposes the finalized backing slice for read-only iteration.
func (od *ObjectDictionary) Entries() []*Entry {
	return od.entries
}
