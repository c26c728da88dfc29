package ntfs

import (
	"fmt"
	"sync"
	"testing"
)

func TestSharedBufferRegistry_AcquireShares(t *testing.T) {
	registry := NewSharedBufferRegistry()

	first := []byte("aaaabbbbccccdddd")
	second := append([]byte(nil), first...)

	representative := registry.Acquire(first)
	if &representative[0] != &first[0] {
		t.Fatalf("First acquire did not keep the caller's buffer.")
	}

	shared := registry.Acquire(second)
	if &shared[0] != &first[0] {
		t.Fatalf("Second acquire did not return the representative.")
	}

	if registry.SharedCount(representative) != 2 {
		t.Fatalf("Share count not correct: (%d)", registry.SharedCount(representative))
	} else if registry.Entries() != 1 {
		t.Fatalf("Entry count not correct: (%d)", registry.Entries())
	}
}

func TestSharedBufferRegistry_DistinctContent(t *testing.T) {
	registry := NewSharedBufferRegistry()

	first := registry.Acquire([]byte("one one one one "))
	second := registry.Acquire([]byte("two two two two "))

	if &first[0] == &second[0] {
		t.Fatalf("Distinct content was conflated.")
	} else if registry.Entries() != 2 {
		t.Fatalf("Entry count not correct: (%d)", registry.Entries())
	}
}

func TestSharedBufferRegistry_Release(t *testing.T) {
	registry := NewSharedBufferRegistry()

	buffer := registry.Acquire([]byte("aaaabbbbccccdddd"))
	registry.Acquire(append([]byte(nil), buffer...))

	if registry.Release(buffer) != false {
		t.Fatalf("Release reported unshared while a reference remained.")
	}

	if registry.Release(buffer) != true {
		t.Fatalf("Final release did not report unshared.")
	}

	if registry.Entries() != 0 {
		t.Fatalf("Slot was not freed: (%d)", registry.Entries())
	}
}

func TestSharedBufferRegistry_ReleaseUnknown(t *testing.T) {
	registry := NewSharedBufferRegistry()

	if registry.Release([]byte("never acquired")) != true {
		t.Fatalf("An unknown buffer must release as unshared.")
	}
}

func TestSharedBufferRegistry_CapacityOverflow(t *testing.T) {
	registry := NewSharedBufferRegistry()

	for i := 0; i < sharedBufferCapacity; i++ {
		registry.Acquire([]byte(fmt.Sprintf("buffer number %02d", i)))
	}

	if registry.Entries() != sharedBufferCapacity {
		t.Fatalf("Registry not full: (%d)", registry.Entries())
	}

	overflow := []byte("one buffer too many")

	returned := registry.Acquire(overflow)
	if &returned[0] != &overflow[0] {
		t.Fatalf("Overflow acquire did not return the caller's buffer.")
	} else if registry.SharedCount(overflow) != 0 {
		t.Fatalf("Overflow buffer was registered.")
	}

	// An unregistered buffer still releases cleanly.

	if registry.Release(overflow) != true {
		t.Fatalf("Overflow buffer did not release as unshared.")
	}
}

func TestSharedBufferRegistry_Concurrency(t *testing.T) {
	registry := NewSharedBufferRegistry()

	content := []byte("the one true case-folding table")

	wg := new(sync.WaitGroup)

	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			buffer := registry.Acquire(append([]byte(nil), content...))
			registry.Release(buffer)
		}()
	}

	wg.Wait()

	if registry.Entries() != 0 {
		t.Fatalf("References leaked: (%d) entries remain.", registry.Entries())
	}
}
