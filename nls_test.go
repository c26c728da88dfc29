package ntfs

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestLoadNlsTable(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	before := ActiveNlsTableCount()

	table, err := LoadNlsTable("cp437")
	log.PanicIf(err)

	if table == nil || table.Charset() != "cp437" {
		t.Fatalf("Table not correct: %v", table)
	} else if table.Encoding() == nil {
		t.Fatalf("Table has no encoding.")
	}

	if ActiveNlsTableCount() != before+1 {
		t.Fatalf("Load not accounted: (%d) -> (%d)", before, ActiveNlsTableCount())
	}

	table.Unload()

	if ActiveNlsTableCount() != before {
		t.Fatalf("Unload not accounted: (%d) -> (%d)", before, ActiveNlsTableCount())
	}
}

func TestLoadNlsTable_Default(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	table, err := LoadNlsTable("")
	log.PanicIf(err)

	defer table.Unload()

	if table.Charset() != defaultNlsName {
		t.Fatalf("Default charset not correct: [%s]", table.Charset())
	}
}

func TestLoadNlsTable_Utf8(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	before := ActiveNlsTableCount()

	table, err := LoadNlsTable("utf8")
	log.PanicIf(err)

	if table != nil {
		t.Fatalf("UTF-8 produced a table.")
	}

	if ActiveNlsTableCount() != before {
		t.Fatalf("The built-in path was accounted as a table.")
	}
}

func TestLoadNlsTable_Unknown(t *testing.T) {
	_, err := LoadNlsTable("klingon")
	if log.Is(err, ErrOption) != true {
		t.Fatalf("An unknown charset was not rejected: [%v]", err)
	}
}

func TestNlsTable_UnloadNil(t *testing.T) {
	before := ActiveNlsTableCount()

	var table *NlsTable
	table.Unload()

	if ActiveNlsTableCount() != before {
		t.Fatalf("A nil unload changed the accounting.")
	}
}
