package ntfs

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func newTestAttrDefHandle(data []byte) *testObjectHandle {
	loader := newTestObjectLoader()

	handle := loader.add(ObjectAttrDef, "$AttrDef")
	handle.data = data
	handle.size = uint64(len(data))

	return handle
}

func TestLoadAttrDefinitions(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	handle := newTestAttrDefHandle(newTestAttrDefData())

	entries, maxReparseSize, err := loadAttrDefinitions(handle)
	log.PanicIf(err)

	if len(entries) != 7 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	}

	if entries[0].Type != AttrStandardInformation || entries[0].Label != "$STANDARD_INFORMATION" {
		t.Fatalf("First entry not correct: %s", entries[0])
	} else if entries[0].MinSize != 48 || entries[0].MaxSize != 72 {
		t.Fatalf("First entry bounds not correct: %s", entries[0])
	}

	if entries[6].Type != AttrReparsePoint {
		t.Fatalf("Last entry not correct: %s", entries[6])
	}

	if maxReparseSize != defaultMaxReparseSize {
		t.Fatalf("Reparse limit not taken from the table: (%d)", maxReparseSize)
	}
}

func TestLoadAttrDefinitions_ReparseDefault(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	// A table without a reparse entry falls back to the fixed default.

	data := make([]byte, 0)
	data = appendTestAttrDefEntry(data, "$STANDARD_INFORMATION", AttrStandardInformation, 48, 72)
	data = appendTestAttrDefEntry(data, "$FILE_NAME", AttrFileName, 68, 578)

	_, maxReparseSize, err := loadAttrDefinitions(newTestAttrDefHandle(data))
	log.PanicIf(err)

	if maxReparseSize != defaultMaxReparseSize {
		t.Fatalf("Reparse default not applied: (%d)", maxReparseSize)
	}
}

func TestLoadAttrDefinitions_TooSmall(t *testing.T) {
	_, _, err := loadAttrDefinitions(newTestAttrDefHandle(make([]byte, attrDefEntrySize-1)))
	if log.Is(err, ErrCorrupt) != true {
		t.Fatalf("A sub-entry table was not rejected: [%v]", err)
	}
}

func TestLoadAttrDefinitions_BadFirstEntry(t *testing.T) {
	data := appendTestAttrDefEntry(nil, "$FILE_NAME", AttrFileName, 68, 578)

	_, _, err := loadAttrDefinitions(newTestAttrDefHandle(data))
	if log.Is(err, ErrCorrupt) != true {
		t.Fatalf("A table not led by standard-information was not rejected: [%v]", err)
	}
}

func TestLoadAttrDefinitions_StopsAtViolation(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	// The third entry goes backwards; it and everything after it is
	// garbage, but the prefix stays usable.

	data := make([]byte, 0)
	data = appendTestAttrDefEntry(data, "$STANDARD_INFORMATION", AttrStandardInformation, 48, 72)
	data = appendTestAttrDefEntry(data, "$FILE_NAME", AttrFileName, 68, 578)
	data = appendTestAttrDefEntry(data, "$ATTRIBUTE_LIST", AttrAttributeList, 0, 0)
	data = appendTestAttrDefEntry(data, "$DATA", AttrData, 0, 0)

	entries, _, err := loadAttrDefinitions(newTestAttrDefHandle(data))
	log.PanicIf(err)

	if len(entries) != 2 {
		t.Fatalf("Walk did not stop at the ordering violation: (%d)", len(entries))
	}
}

func TestLoadAttrDefinitions_StopsAtPadding(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	// Format tools pad the tail of the table with zeroed entries.

	data := newTestAttrDefData()
	data = append(data, make([]byte, 2*attrDefEntrySize)...)

	entries, _, err := loadAttrDefinitions(newTestAttrDefHandle(data))
	log.PanicIf(err)

	if len(entries) != 7 {
		t.Fatalf("Padding entries were not excluded: (%d)", len(entries))
	}
}
