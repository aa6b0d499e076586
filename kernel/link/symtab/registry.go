// Package symtab implements the registry of symbols published by loaded
// modules.
//
// The Registry is a hash map from symbol name to address backed entirely by
// fixed-size arrays: it never grows and never allocates, so its zero value can
// live in statically reserved memory. Entries can be enumerated in insertion
// order through NumKeys and Key.
package symtab

const (
	// Capacity is the maximum number of keys the registry can hold. It is
	// also the number of hash buckets.
	Capacity = 16001

	// BucketCapacity is the maximum number of keys sharing a bucket.
	BucketCapacity = 10

	hashSeed   = 16007
	maxNameLen = 8192

	// hashPrime is the 64-bit FNV prime. It shares no factor with
	// Capacity so every byte of the name reaches the bucket index.
	hashPrime = 0x100000001b3
)

// slotRef locates a live entry: its bucket and the slot inside the bucket.
type slotRef struct {
	bucket uint16
	slot   uint16
}

type bucket struct {
	numKeys int
	keys    [BucketCapacity]string
	values  [BucketCapacity]uintptr

	// order holds the insertion-order position of each slot.
	order [BucketCapacity]uint16
}

// Registry maps symbol names to resolved addresses. The zero value is an
// empty registry ready for use. A Registry is not safe for concurrent use.
type Registry struct {
	buckets [Capacity]bucket
	order   [Capacity]slotRef
	numKeys int
}

// Hash returns the bucket index for name.
func Hash(name string) uint64 {
	h := uint64(hashSeed)
	for i := 0; i < len(name) && i < maxNameLen; i++ {
		// bytes above 0x7f are sign-extended
		h ^= uint64(int64(int8(name[i])))
		h *= hashPrime
	}
	return h % Capacity
}

// find returns the bucket for name and the slot holding name or -1.
func (r *Registry) find(name string) (*bucket, uint16, int) {
	bucketIndex := uint16(Hash(name))
	b := &r.buckets[bucketIndex]
	for i := 0; i < b.numKeys; i++ {
		if b.keys[i] == name {
			return b, bucketIndex, i
		}
	}
	return b, bucketIndex, -1
}

// Put associates value with name. An existing entry is updated in place,
// keeping its insertion-order position. Put returns false when name is new
// and either its bucket or the registry is full.
func (r *Registry) Put(name string, value uintptr) bool {
	b, bucketIndex, slot := r.find(name)
	if slot >= 0 {
		b.keys[slot] = name
		b.values[slot] = value
		return true
	}

	if b.numKeys >= BucketCapacity || r.numKeys >= Capacity {
		return false
	}

	slot = b.numKeys
	b.keys[slot] = name
	b.values[slot] = value
	b.order[slot] = uint16(r.numKeys)
	b.numKeys++

	r.order[r.numKeys] = slotRef{bucket: bucketIndex, slot: uint16(slot)}
	r.numKeys++
	return true
}

// Get returns the value associated with name and whether it was found.
func (r *Registry) Get(name string) (uintptr, bool) {
	b, _, slot := r.find(name)
	if slot < 0 {
		return 0, false
	}
	return b.values[slot], true
}

// Has returns true if name is present in the registry.
func (r *Registry) Has(name string) bool {
	_, _, slot := r.find(name)
	return slot >= 0
}

// Remove deletes name from the registry. Removing a missing name is a no-op.
// The insertion order of the remaining entries is preserved.
func (r *Registry) Remove(name string) {
	b, _, slot := r.find(name)
	if slot < 0 {
		return
	}

	pos := int(b.order[slot])

	// close the gap in the bucket; each shifted entry moves one slot down
	for i := slot + 1; i < b.numKeys; i++ {
		b.keys[i-1] = b.keys[i]
		b.values[i-1] = b.values[i]
		b.order[i-1] = b.order[i]
		r.order[b.order[i-1]].slot = uint16(i - 1)
	}
	b.numKeys--
	b.keys[b.numKeys] = ""
	b.values[b.numKeys] = 0

	// close the gap in the insertion order and fix up the back-references
	for i := pos + 1; i < r.numKeys; i++ {
		ref := r.order[i]
		r.order[i-1] = ref
		r.buckets[ref.bucket].order[ref.slot] = uint16(i - 1)
	}
	r.numKeys--
	r.order[r.numKeys] = slotRef{}
}

// Room returns how many names that are not yet present and share the bucket
// of name can still be added.
func (r *Registry) Room(name string) int {
	return min(BucketCapacity-r.buckets[Hash(name)].numKeys, Capacity-r.numKeys)
}

// NumKeys returns the number of live entries.
func (r *Registry) NumKeys() int {
	return r.numKeys
}

// Key returns the name of the entry at insertion-order position i, or an
// empty string if i is out of range.
func (r *Registry) Key(i int) string {
	if i < 0 || i >= r.numKeys {
		return ""
	}
	ref := r.order[i]
	return r.buckets[ref.bucket].keys[ref.slot]
}
