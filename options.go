// This file manages the mount option set: tokenizing the flat option
// string, resolving charset names to loaded tables, and the validate-then-
// swap transaction that remount requires. Unrecognized tokens are tolerated
// so option strings stay compatible across driver versions; malformed
// values for recognized tokens are not.

package ntfs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dsoprea/go-logging"
)

var (
	optionsLogger = log.NewLogger("ntfs.options")
)

// OptionDefaults carries the caller-derived identity and mask defaults that
// apply when the option string does not override them.
type OptionDefaults struct {
	Uid   int
	Gid   int
	Umask uint32
}

// MountOptions is the structured, validated mount configuration. It is
// replaced only as a whole, through the remount transaction.
type MountOptions struct {
	// FsUid and FsGid are the identity overrides applied to every object.
	// UidSet/GidSet record whether the option string supplied them.
	FsUid  int
	FsGid  int
	UidSet bool
	GidSet bool

	// FmaskInv and DmaskInv are the inverted permission masks for files
	// and directories.
	FmaskInv uint32
	DmaskInv uint32
	FmaskSet bool
	DmaskSet bool

	SysImmutable bool
	Discard      bool
	Force        bool
	Sparse       bool
	NoHidden     bool
	ShowMeta     bool
	NoAcsRules   bool
	Prealloc     bool
	PosixAcl     bool
	NoAtime      bool

	// Nls holds the primary and alternate case-folding locale tables. A
	// nil primary means the built-in UTF-8 conversion path; the alternate
	// is dropped when it duplicates the primary.
	Nls [2]*NlsTable
}

// clear releases the resources the option set owns (the loaded tables).
func (opts *MountOptions) clear() {
	opts.Nls[0].Unload()
	opts.Nls[1].Unload()

	opts.Nls[0] = nil
	opts.Nls[1] = nil
}

// nlsCharsetsEqual indicates whether two tables resolve the same charset.
// Nil tables both mean the built-in UTF-8 path.
func nlsCharsetsEqual(first, second *NlsTable) bool {
	if first == nil || second == nil {
		return first == nil && second == nil
	}

	return first.Charset() == second.Charset()
}

// ParseMountOptions parses a flat, comma-separated option string into a
// validated option set. Unknown tokens warn and are skipped; recognized
// tokens with malformed values fail with ErrOption. Charset names resolve
// to loaded tables; failure to load a requested or default charset is
// fatal.
func ParseMountOptions(optionString string, defaults OptionDefaults) (opts *MountOptions, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	opts = &MountOptions{
		FsUid:    defaults.Uid,
		FsGid:    defaults.Gid,
		FmaskInv: ^defaults.Umask,
		DmaskInv: ^defaults.Umask,
	}

	nlsNames := [2]string{}

	for _, token := range strings.Split(optionString, ",") {
		if token == "" {
			continue
		}

		key := token
		value := ""
		hasValue := false

		if i := strings.IndexByte(token, '='); i != -1 {
			key = token[:i]
			value = token[i+1:]
			hasValue = true
		}

		switch key {
		case "uid":
			uid, parseErr := strconv.ParseUint(value, 10, 32)
			if hasValue != true || parseErr != nil {
				log.Panic(ErrOption)
			}

			opts.FsUid = int(uid)
			opts.UidSet = true
		case "gid":
			gid, parseErr := strconv.ParseUint(value, 10, 32)
			if hasValue != true || parseErr != nil {
				log.Panic(ErrOption)
			}

			opts.FsGid = int(gid)
			opts.GidSet = true
		case "umask":
			mask, parseErr := strconv.ParseUint(value, 8, 32)
			if hasValue != true || parseErr != nil {
				log.Panic(ErrOption)
			}

			opts.FmaskInv = ^uint32(mask)
			opts.DmaskInv = ^uint32(mask)
			opts.FmaskSet = true
			opts.DmaskSet = true
		case "dmask":
			mask, parseErr := strconv.ParseUint(value, 8, 32)
			if hasValue != true || parseErr != nil {
				log.Panic(ErrOption)
			}

			opts.DmaskInv = ^uint32(mask)
			opts.DmaskSet = true
		case "fmask":
			mask, parseErr := strconv.ParseUint(value, 8, 32)
			if hasValue != true || parseErr != nil {
				log.Panic(ErrOption)
			}

			opts.FmaskInv = ^uint32(mask)
			opts.FmaskSet = true
		case "sys_immutable":
			opts.SysImmutable = true
		case "discard":
			opts.Discard = true
		case "force":
			opts.Force = true
		case "sparse":
			opts.Sparse = true
		case "nohidden":
			opts.NoHidden = true
		case "acl":
			opts.PosixAcl = true
		case "noatime":
			opts.NoAtime = true
		case "showmeta":
			opts.ShowMeta = true
		case "prealloc":
			opts.Prealloc = true
		case "no_acs_rules":
			opts.NoAcsRules = true
		case "nls":
			nlsNames[0] = value
		case "nls_alt":
			nlsNames[1] = value
		default:
			optionsLogger.Warningf(nil, "Unrecognized mount option [%s] or missing value.", token)
		}
	}

	primary, loadErr := LoadNlsTable(nlsNames[0])
	if loadErr != nil {
		log.Panic(ErrOption)
	}

	opts.Nls[0] = primary

	// The alternate only exists when explicitly requested.
	if nlsNames[1] != "" {
		alternate, loadErr := LoadNlsTable(nlsNames[1])
		if loadErr != nil {
			opts.clear()
			log.Panic(ErrOption)
		}

		opts.Nls[1] = alternate
	}

	// An alternate table that duplicates the primary adds nothing to name
	// comparison; drop it.
	if nlsCharsetsEqual(opts.Nls[0], opts.Nls[1]) == true {
		opts.Nls[1].Unload()
		opts.Nls[1] = nil
	}

	return opts, nil
}

// RemountOptions is the atomic replace-or-roll-back transaction behind
// remount. The new option string is parsed into a scratch set first; the
// read-write transition preconditions are checked against the scratch set;
// and only on full success are the current options' tables released. On any
// failure the current option set is untouched, tables included.
//
// toReadWrite reports a read-only to read-write transition; needsReplay and
// volumeDirty are the volume-state inputs to the two preconditions.
func RemountOptions(current *MountOptions, optionString string, defaults OptionDefaults, toReadWrite, needsReplay, volumeDirty bool) (opts *MountOptions, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	scratch, err := ParseMountOptions(optionString, defaults)
	if err != nil {
		return nil, log.Wrap(err)
	}

	if toReadWrite == true {
		if needsReplay == true {
			optionsLogger.Warningf(nil, "Can not remount read-write: journal is not replayed. Unmount and mount instead.")

			scratch.clear()
			log.Panic(ErrNeedsReplay)
		}

		if volumeDirty == true && scratch.Force != true {
			optionsLogger.Warningf(nil, "Can not remount read-write: volume is dirty and the force option is not set.")

			scratch.clear()
			log.Panic(ErrVolumeDirty)
		}
	}

	current.clear()

	return scratch, nil
}

// String renders the active option set in option-string form.
func (opts *MountOptions) String() string {
	parts := make([]string, 0)

	if opts.UidSet == true {
		parts = append(parts, fmt.Sprintf("uid=%d", opts.FsUid))
	}

	if opts.GidSet == true {
		parts = append(parts, fmt.Sprintf("gid=%d", opts.FsGid))
	}

	if opts.FmaskSet == true {
		parts = append(parts, fmt.Sprintf("fmask=%04o", ^opts.FmaskInv&0777))
	}

	if opts.DmaskSet == true {
		parts = append(parts, fmt.Sprintf("dmask=%04o", ^opts.DmaskInv&0777))
	}

	if opts.Nls[0] != nil {
		parts = append(parts, fmt.Sprintf("nls=%s", opts.Nls[0].Charset()))
	} else {
		parts = append(parts, "nls=utf8")
	}

	if opts.Nls[1] != nil {
		parts = append(parts, fmt.Sprintf("nls_alt=%s", opts.Nls[1].Charset()))
	}

	if opts.SysImmutable == true {
		parts = append(parts, "sys_immutable")
	}

	if opts.Discard == true {
		parts = append(parts, "discard")
	}

	if opts.Sparse == true {
		parts = append(parts, "sparse")
	}

	if opts.ShowMeta == true {
		parts = append(parts, "showmeta")
	}

	if opts.NoHidden == true {
		parts = append(parts, "nohidden")
	}

	if opts.Force == true {
		parts = append(parts, "force")
	}

	if opts.NoAcsRules == true {
		parts = append(parts, "no_acs_rules")
	}

	if opts.Prealloc == true {
		parts = append(parts, "prealloc")
	}

	if opts.PosixAcl == true {
		parts = append(parts, "acl")
	}

	if opts.NoAtime == true {
		parts = append(parts, "noatime")
	}

	return strings.Join(parts, ",")
}
