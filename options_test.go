package ntfs

import (
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
)

var testOptionDefaults = OptionDefaults{
	Uid:   1000,
	Gid:   1000,
	Umask: 0o22,
}

func TestParseMountOptions_Defaults(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	if opts.FsUid != 1000 || opts.UidSet != false {
		t.Fatalf("Default UID not correct: (%d) [%v]", opts.FsUid, opts.UidSet)
	} else if opts.FmaskInv != ^uint32(0o22) {
		t.Fatalf("Default file mask not correct: (0o%o)", ^opts.FmaskInv)
	} else if opts.Discard != false || opts.Force != false {
		t.Fatalf("Flags defaulted on.")
	}

	if opts.Nls[0] == nil || opts.Nls[0].Charset() != defaultNlsName {
		t.Fatalf("Default charset not loaded.")
	} else if opts.Nls[1] != nil {
		t.Fatalf("Unexpected alternate charset.")
	}
}

func TestParseMountOptions_Tokens(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("uid=500,gid=501,umask=077,discard,force,sparse,nohidden,showmeta,sys_immutable,prealloc,no_acs_rules,acl,noatime", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	if opts.FsUid != 500 || opts.UidSet != true {
		t.Fatalf("UID not correct: (%d) [%v]", opts.FsUid, opts.UidSet)
	} else if opts.FsGid != 501 || opts.GidSet != true {
		t.Fatalf("GID not correct: (%d) [%v]", opts.FsGid, opts.GidSet)
	} else if opts.FmaskInv != ^uint32(0o77) || opts.DmaskInv != ^uint32(0o77) {
		t.Fatalf("Masks not correct: (0o%o) (0o%o)", ^opts.FmaskInv, ^opts.DmaskInv)
	}

	if opts.Discard != true || opts.Force != true || opts.Sparse != true ||
		opts.NoHidden != true || opts.ShowMeta != true || opts.SysImmutable != true ||
		opts.Prealloc != true || opts.NoAcsRules != true || opts.PosixAcl != true ||
		opts.NoAtime != true {
		t.Fatalf("Not all flags were set: %s", opts)
	}
}

func TestParseMountOptions_SplitMasks(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("fmask=177,dmask=077", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	if opts.FmaskInv != ^uint32(0o177) || opts.FmaskSet != true {
		t.Fatalf("File mask not correct: (0o%o)", ^opts.FmaskInv)
	} else if opts.DmaskInv != ^uint32(0o77) || opts.DmaskSet != true {
		t.Fatalf("Directory mask not correct: (0o%o)", ^opts.DmaskInv)
	}
}

func TestParseMountOptions_Malformed(t *testing.T) {
	_, err := ParseMountOptions("uid=abc", testOptionDefaults)
	if log.Is(err, ErrOption) != true {
		t.Fatalf("A malformed UID was not rejected: [%v]", err)
	}

	_, err = ParseMountOptions("umask=999", testOptionDefaults)
	if log.Is(err, ErrOption) != true {
		t.Fatalf("A non-octal mask was not rejected: [%v]", err)
	}

	_, err = ParseMountOptions("gid", testOptionDefaults)
	if log.Is(err, ErrOption) != true {
		t.Fatalf("A recognized token with no value was not rejected: [%v]", err)
	}
}

func TestParseMountOptions_UnknownTolerated(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("journal=off,discard,futureoption", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	if opts.Discard != true {
		t.Fatalf("A recognized token after an unknown one was lost.")
	}
}

func TestParseMountOptions_Utf8(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("nls=utf8", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	if opts.Nls[0] != nil || opts.Nls[1] != nil {
		t.Fatalf("UTF-8 must select the built-in path, not a table.")
	}
}

func TestParseMountOptions_DuplicateAlternateDropped(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	before := ActiveNlsTableCount()

	opts, err := ParseMountOptions("nls=cp437,nls_alt=cp437", testOptionDefaults)
	log.PanicIf(err)

	if opts.Nls[0] == nil || opts.Nls[0].Charset() != "cp437" {
		t.Fatalf("Primary charset not correct.")
	} else if opts.Nls[1] != nil {
		t.Fatalf("Duplicate alternate was kept.")
	}

	if ActiveNlsTableCount() != before+1 {
		t.Fatalf("Dropped alternate was not unloaded: (%d) -> (%d)", before, ActiveNlsTableCount())
	}

	opts.clear()

	if ActiveNlsTableCount() != before {
		t.Fatalf("Tables leaked: (%d) -> (%d)", before, ActiveNlsTableCount())
	}
}

func TestParseMountOptions_DistinctAlternateKept(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("nls=cp437,nls_alt=cp1251", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	if opts.Nls[1] == nil || opts.Nls[1].Charset() != "cp1251" {
		t.Fatalf("Distinct alternate charset not kept.")
	}
}

func TestParseMountOptions_BadCharset(t *testing.T) {
	before := ActiveNlsTableCount()

	_, err := ParseMountOptions("nls=no-such-charset", testOptionDefaults)
	if log.Is(err, ErrOption) != true {
		t.Fatalf("An unresolvable charset was not rejected: [%v]", err)
	}

	if ActiveNlsTableCount() != before {
		t.Fatalf("Tables leaked on a failed parse: (%d) -> (%d)", before, ActiveNlsTableCount())
	}
}

func TestRemountOptions(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	before := ActiveNlsTableCount()

	current, err := ParseMountOptions("discard", testOptionDefaults)
	log.PanicIf(err)

	opts, err := RemountOptions(current, "uid=7,nls=cp437", testOptionDefaults, false, false, false)
	log.PanicIf(err)

	defer opts.clear()

	if opts.FsUid != 7 || opts.Discard != false {
		t.Fatalf("Replacement options not correct.")
	}

	// Exactly one table outstanding: the old set fully unloaded, the
	// replacement loaded.
	if ActiveNlsTableCount() != before+1 {
		t.Fatalf("Table accounting not correct after remount: (%d) -> (%d)", before, ActiveNlsTableCount())
	}
}

func TestRemountOptions_NeedsReplay(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	before := ActiveNlsTableCount()

	current, err := ParseMountOptions("", testOptionDefaults)
	log.PanicIf(err)

	defer current.clear()

	_, remountErr := RemountOptions(current, "force", testOptionDefaults, true, true, false)
	if log.Is(remountErr, ErrNeedsReplay) != true {
		t.Fatalf("Expected the needs-replay error: [%v]", remountErr)
	} else if IsConsistencyError(remountErr) != true {
		t.Fatalf("Needs-replay not classified as a consistency error.")
	}

	// The failure must not have touched the live set's tables.
	if current.Nls[0] == nil {
		t.Fatalf("Live options were cleared by a failed remount.")
	} else if ActiveNlsTableCount() != before+1 {
		t.Fatalf("Table accounting not correct after a failed remount: (%d) -> (%d)", before, ActiveNlsTableCount())
	}
}

func TestRemountOptions_Dirty(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	current, err := ParseMountOptions("", testOptionDefaults)
	log.PanicIf(err)

	_, remountErr := RemountOptions(current, "", testOptionDefaults, true, false, true)
	if log.Is(remountErr, ErrVolumeDirty) != true {
		t.Fatalf("Expected the dirty-volume error: [%v]", remountErr)
	}

	// The force option overrides the dirty check.

	opts, err := RemountOptions(current, "force", testOptionDefaults, true, false, true)
	log.PanicIf(err)

	defer opts.clear()

	if opts.Force != true {
		t.Fatalf("Forced remount options not correct.")
	}
}

func TestMountOptions_String(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	opts, err := ParseMountOptions("uid=500,discard", testOptionDefaults)
	log.PanicIf(err)

	defer opts.clear()

	rendered := opts.String()

	if strings.Contains(rendered, "uid=500") != true {
		t.Fatalf("Rendered options missing the UID: [%s]", rendered)
	} else if strings.Contains(rendered, "discard") != true {
		t.Fatalf("Rendered options missing the discard flag: [%s]", rendered)
	} else if strings.Contains(rendered, "nls="+defaultNlsName) != true {
		t.Fatalf("Rendered options missing the charset: [%s]", rendered)
	}
}
