// This file loads the case-folding table ($UpCase): exactly 65536 16-bit
// entries mapping every code unit to its upper-case form. The table is kept
// as raw little-endian bytes and decoded on access, which makes the stored
// form identical on every host. Volumes usually share the same table, so
// the loaded copy is offered to the shared-buffer registry.

package ntfs

import (
	"github.com/dsoprea/go-logging"
)

const (
	// upcaseTableSize is the exact byte size of the table: 65536 entries
	// of two bytes. Any other size is corrupt.
	upcaseTableSize = 0x10000 * 2
)

// loadUpcaseTable reads the full table page-by-page into one buffer.
func loadUpcaseTable(handle ObjectHandle) (table []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if handle.Size() != upcaseTableSize {
		log.Panic(ErrCorrupt)
	}

	table = make([]byte, upcaseTableSize)

	for done, pageIndex := 0, 0; done < upcaseTableSize; done, pageIndex = done+pageSize, pageIndex+1 {
		page, err := handle.ReadPage(pageIndex)
		log.PanicIf(err)

		copy(table[done:], page)
	}

	return table, nil
}

// upcaseChar maps one code unit through the table.
func upcaseChar(table []byte, c uint16) uint16 {
	return defaultEncoding.Uint16(table[int(c)*2:])
}

// UpcaseChar maps one code unit to its upper-case form using the volume's
// case-folding table.
func (vol *Volume) UpcaseChar(c uint16) uint16 {
	return upcaseChar(vol.upcase, c)
}

// UpcaseEqual compares two UTF-16 code-unit sequences case-insensitively
// under the volume's case-folding table.
func (vol *Volume) UpcaseEqual(first, second []uint16) bool {
	if len(first) != len(second) {
		return false
	}

	for i := 0; i < len(first); i++ {
		if upcaseChar(vol.upcase, first[i]) != upcaseChar(vol.upcase, second[i]) {
			return false
		}
	}

	return true
}
