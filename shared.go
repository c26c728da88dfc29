// This file manages the process-wide sharing of immutable byte buffers
// between mounted volumes. The case-folding table is 128K that most volumes
// carry byte-for-byte identically, so one copy is kept and reference-
// counted. The registry is a best-effort cache: when it is full, callers
// simply keep their private copy.

package ntfs

import (
	"bytes"
	"sync"
)

const (
	// sharedBufferCapacity is the number of distinct buffers that can be
	// shared concurrently. Beyond this, Acquire declines to share.
	sharedBufferCapacity = 8
)

type sharedBufferSlot struct {
	buffer []byte
	count  int
}

// SharedBufferRegistry is a fixed-capacity, reference-counted table of
// immutable byte buffers keyed by content. Safe for concurrent use; the
// single lock is only ever held across a bounded slot scan plus, on
// Acquire, the content comparisons.
type SharedBufferRegistry struct {
	mutex sync.Mutex
	slots [sharedBufferCapacity]sharedBufferSlot
}

// NewSharedBufferRegistry returns a new, empty registry.
func NewSharedBufferRegistry() *SharedBufferRegistry {
	return &SharedBufferRegistry{}
}

// defaultSharedBuffers backs sharing across all mounts in the process.
var defaultSharedBuffers = NewSharedBufferRegistry()

// Acquire offers a buffer for sharing.
//
// If an entry with equal length and identical bytes already exists, its
// count is incremented and the existing representative is returned; the
// caller must then discard its own copy. Otherwise, if a slot is free, the
// given buffer becomes a new representative with a count of one. If the
// table is full, the original buffer comes back unregistered and the caller
// keeps sole ownership.
func (registry *SharedBufferRegistry) Acquire(buffer []byte) []byte {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	free := -1
	for i := 0; i < sharedBufferCapacity; i++ {
		slot := &registry.slots[i]

		if slot.count == 0 {
			free = i
		} else if len(slot.buffer) == len(buffer) && bytes.Equal(slot.buffer, buffer) == true {
			slot.count++
			return slot.buffer
		}
	}

	if free == -1 {
		return buffer
	}

	registry.slots[free] = sharedBufferSlot{
		buffer: buffer,
		count:  1,
	}

	return buffer
}

// Release drops one reference to a previously acquired representative and
// indicates whether the buffer is now unshared. When true, ownership
// returns to the caller (and the slot is free); when false, other mounts
// still reference the buffer and the caller must not reuse it.
//
// A buffer that Acquire returned unregistered is unknown to the registry
// and releases as unshared.
func (registry *SharedBufferRegistry) Release(buffer []byte) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for i := 0; i < sharedBufferCapacity; i++ {
		slot := &registry.slots[i]

		// Identity, not content: the representative is the exact slice the
		// registry handed out.
		if slot.count > 0 && len(slot.buffer) == len(buffer) && &slot.buffer[0] == &buffer[0] {
			slot.count--
			if slot.count > 0 {
				return false
			}

			slot.buffer = nil
			return true
		}
	}

	return true
}

// SharedCount returns the current reference count for the buffer, or zero
// if it is not registered.
func (registry *SharedBufferRegistry) SharedCount(buffer []byte) int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for i := 0; i < sharedBufferCapacity; i++ {
		slot := &registry.slots[i]

		if slot.count > 0 && len(slot.buffer) == len(buffer) && &slot.buffer[0] == &buffer[0] {
			return slot.count
		}
	}

	return 0
}

// Entries returns the number of occupied slots.
func (registry *SharedBufferRegistry) Entries() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	entries := 0
	for i := 0; i < sharedBufferCapacity; i++ {
		if registry.slots[i].count > 0 {
			entries++
		}
	}

	return entries
}
