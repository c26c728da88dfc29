// This file resolves the charset names given by the nls= and nls_alt= mount
// options to loaded encoding tables. Name resolution goes through the IANA
// index, with aliases for the short names the option strings historically
// use. UTF-8 is not a table: a volume configured for it takes the built-in
// conversion path instead, which callers detect by a nil table.

package ntfs

import (
	"strings"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

const (
	// defaultNlsName is the charset used when the option string names none.
	defaultNlsName = "iso8859-1"

	utf8NlsName = "utf8"
)

var (
	nlsLogger = log.NewLogger("ntfs.nls")
)

// nlsAliases maps the short, historical option-string names onto IANA names.
var nlsAliases = map[string]string{
	"utf8":       "UTF-8",
	"ascii":      "US-ASCII",
	"cp437":      "IBM437",
	"cp850":      "IBM850",
	"cp866":      "IBM866",
	"cp932":      "Shift_JIS",
	"cp936":      "GBK",
	"cp949":      "EUC-KR",
	"cp1250":     "windows-1250",
	"cp1251":     "windows-1251",
	"cp1252":     "windows-1252",
	"cp1255":     "windows-1255",
	"iso8859-1":  "ISO-8859-1",
	"iso8859-2":  "ISO-8859-2",
	"iso8859-5":  "ISO-8859-5",
	"iso8859-15": "ISO-8859-15",
	"koi8-r":     "KOI8-R",
	"koi8-u":     "KOI8-U",
}

// nlsActiveCount tracks loaded tables. It exists so tests can prove that a
// failed remount does not unload the tables of the live option set.
var nlsActiveCount int32

// NlsTable is one loaded charset table.
type NlsTable struct {
	charset  string
	encoding encoding.Encoding
}

// Charset returns the canonical name the table was resolved under.
func (table *NlsTable) Charset() string {
	return table.charset
}

// Encoding returns the underlying character encoding.
func (table *NlsTable) Encoding() encoding.Encoding {
	return table.encoding
}

// Unload releases the table. The encodings themselves are static, but the
// load/unload pairing mirrors the ownership the option set has over its
// tables, and keeps the accounting that the remount transaction depends on.
func (table *NlsTable) Unload() {
	if table == nil {
		return
	}

	atomic.AddInt32(&nlsActiveCount, -1)
}

// LoadNlsTable resolves a charset name to a loaded table. A UTF-8 name
// resolves to a nil table with no error (built-in conversion path).
func LoadNlsTable(name string) (table *NlsTable, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	canonical := strings.ToLower(strings.TrimSpace(name))
	if canonical == "" {
		canonical = defaultNlsName
	}

	if canonical == utf8NlsName {
		return nil, nil
	}

	ianaName, found := nlsAliases[canonical]
	if found != true {
		ianaName = canonical
	}

	enc, err := ianaindex.IANA.Encoding(ianaName)
	if err != nil || enc == nil {
		nlsLogger.Warningf(nil, "Failed to load charset [%s].", name)
		log.Panic(ErrOption)
	}

	atomic.AddInt32(&nlsActiveCount, 1)

	table = &NlsTable{
		charset:  canonical,
		encoding: enc,
	}

	return table, nil
}

// ActiveNlsTableCount returns the number of currently loaded tables.
func ActiveNlsTableCount() int {
	return int(atomic.LoadInt32(&nlsActiveCount))
}
