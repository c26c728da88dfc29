// This file loads the attribute-definition table ($AttrDef): a fixed-format
// array describing every attribute type the volume may carry, ordered by
// type code. The table is read in full into a private buffer and walked
// until the ordering invariant breaks; entries past the break are treated
// as absent rather than failing the mount.

package ntfs

import (
	"fmt"
	"unicode/utf16"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// attrDefEntrySize is the on-disk size of one table entry.
	attrDefEntrySize = 160

	// defaultMaxReparseSize applies when the table has no reparse entry.
	defaultMaxReparseSize = 16 * 1024
)

// attrDefEntryRaw is the on-disk entry layout.
type attrDefEntryRaw struct {
	Label         [64]uint16
	Type          uint32
	DisplayRule   uint32
	CollationRule uint32
	Flags         uint32
	MinSize       uint64
	MaxSize       uint64
}

// AttrDefEntry is one validated attribute definition.
type AttrDefEntry struct {
	// Label is the attribute's name as recorded in the table.
	Label string

	// Type is the attribute type code. Entries are strictly increasing by
	// type, and type codes have a zero low nibble.
	Type AttrType

	// MinSize and MaxSize bound the attribute's value.
	MinSize uint64
	MaxSize uint64
}

// String returns a description of the entry.
func (entry AttrDefEntry) String() string {
	return fmt.Sprintf("AttrDefEntry<TYPE=(0x%02x) LABEL=[%s] MAX-SIZE=(%d)>", uint32(entry.Type), entry.Label, entry.MaxSize)
}

func labelFromUtf16(raw [64]uint16) string {
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}

	return string(utf16.Decode(raw[:end]))
}

// loadAttrDefinitions reads the whole table page-by-page and walks its
// entries. The first entry must be the standard-information type. The walk
// stops, without error, at the first entry that breaks the strictly-
// increasing-type invariant; maxReparseSize reports the reparse entry's
// limit, or the fixed default when the table carries none.
func loadAttrDefinitions(handle ObjectHandle) (entries []AttrDefEntry, maxReparseSize uint64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	tableSize := handle.Size()
	if tableSize < attrDefEntrySize {
		log.Panic(ErrCorrupt)
	}

	table := make([]byte, tableSize)

	for done, pageIndex := uint64(0), 0; done < tableSize; done, pageIndex = done+pageSize, pageIndex+1 {
		page, err := handle.ReadPage(pageIndex)
		log.PanicIf(err)

		copy(table[done:], page)
	}

	decodeEntry := func(offset uint64) attrDefEntryRaw {
		raw := attrDefEntryRaw{}

		err := restruct.Unpack(table[offset:offset+attrDefEntrySize], defaultEncoding, &raw)
		log.PanicIf(err)

		return raw
	}

	first := decodeEntry(0)
	if AttrType(first.Type) != AttrStandardInformation {
		log.Panic(ErrCorrupt)
	}

	entries = make([]AttrDefEntry, 0)
	maxReparseSize = defaultMaxReparseSize

	previousType := uint32(0)
	for done := uint64(0); done+attrDefEntrySize <= tableSize; done += attrDefEntrySize {
		raw := decodeEntry(done)

		if done > 0 {
			// Type codes have a zero low nibble and must strictly
			// increase. The first violation ends the table; whatever
			// follows is garbage, not an error.
			if raw.Type&0xF != 0 || previousType >= raw.Type {
				break
			}
		}

		if AttrType(raw.Type) == AttrReparsePoint {
			maxReparseSize = raw.MaxSize
		}

		entries = append(entries, AttrDefEntry{
			Label:   labelFromUtf16(raw.Label),
			Type:    AttrType(raw.Type),
			MinSize: raw.MinSize,
			MaxSize: raw.MaxSize,
		})

		previousType = raw.Type
	}

	return entries, maxReparseSize, nil
}
