package ntfs

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func newTestUpcaseHandle(data []byte) *testObjectHandle {
	loader := newTestObjectLoader()

	handle := loader.add(ObjectUpCase, "$UpCase")
	handle.data = data
	handle.size = uint64(len(data))

	return handle
}

func TestLoadUpcaseTable(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	table, err := loadUpcaseTable(newTestUpcaseHandle(newTestUpcaseData()))
	log.PanicIf(err)

	if len(table) != upcaseTableSize {
		t.Fatalf("Table size not correct: (%d)", len(table))
	}

	if upcaseChar(table, 'a') != 'A' {
		t.Fatalf("Lower-case mapping not correct: (0x%04x)", upcaseChar(table, 'a'))
	} else if upcaseChar(table, 'Z') != 'Z' {
		t.Fatalf("Upper-case mapping not correct: (0x%04x)", upcaseChar(table, 'Z'))
	} else if upcaseChar(table, 0x1234) != 0x1234 {
		t.Fatalf("Identity mapping not correct: (0x%04x)", upcaseChar(table, 0x1234))
	}
}

func TestLoadUpcaseTable_WrongSize(t *testing.T) {
	_, err := loadUpcaseTable(newTestUpcaseHandle(make([]byte, upcaseTableSize/2)))
	if log.Is(err, ErrCorrupt) != true {
		t.Fatalf("A short table was not rejected: [%v]", err)
	}

	_, err = loadUpcaseTable(newTestUpcaseHandle(make([]byte, upcaseTableSize+pageSize)))
	if log.Is(err, ErrCorrupt) != true {
		t.Fatalf("An oversized table was not rejected: [%v]", err)
	}
}

func TestVolume_UpcaseEqual(t *testing.T) {
	vol := &Volume{
		upcase: newTestUpcaseData(),
	}

	first := []uint16{'R', 'e', 'a', 'd', 'M', 'e'}
	second := []uint16{'r', 'E', 'A', 'D', 'm', 'E'}

	if vol.UpcaseEqual(first, second) != true {
		t.Fatalf("Case-insensitive comparison failed.")
	}

	if vol.UpcaseEqual(first, second[:5]) != false {
		t.Fatalf("Length mismatch not detected.")
	}

	third := []uint16{'R', 'e', 'a', 'd', 'M', 'x'}

	if vol.UpcaseEqual(first, third) != false {
		t.Fatalf("Distinct names compared equal.")
	}
}
