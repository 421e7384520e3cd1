package types

import "sort"

// Bag collects messages keyed by file or field name.
type Bag map[string][]string

// Add appends a message under key, creating the bag entry if needed.
func (b Bag) Add(key, message string) {
	b[key] = append(b[key], message)
}

// Merge appends every message of other into b.
func (b Bag) Merge(other Bag) {
	for k, msgs := range other {
		b[k] = append(b[k], msgs...)
	}
}

// Len returns the total number of messages.
func (b Bag) Len() int {
	n := 0
	for _, msgs := range b {
		n += len(msgs)
	}
	return n
}

// Keys returns the bag keys in sorted order.
func (b Bag) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the bag.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, msgs := range b {
		out[k] = append([]string(nil), msgs...)
	}
	return out
}
