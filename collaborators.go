// This file declares the narrow interfaces through which the bootstrap
// reaches the rest of the driver: the block device, the system-object
// loader, the journal replayer, and the allocation-bitmap structure. The
// bootstrap owns the boot sector and the fixed-format system tables; it
// treats everything behind these interfaces as already specified elsewhere.

package ntfs

// SystemObjectID is the fixed, on-disk record number of one of the
// well-known metadata objects. These identities are part of the format and
// never move.
type SystemObjectID uint32

const (
	ObjectMft       SystemObjectID = 0
	ObjectMftMirror SystemObjectID = 1
	ObjectLogFile   SystemObjectID = 2
	ObjectVolume    SystemObjectID = 3
	ObjectAttrDef   SystemObjectID = 4
	ObjectRoot      SystemObjectID = 5
	ObjectBitmap    SystemObjectID = 6
	ObjectBoot      SystemObjectID = 7
	ObjectBadClus   SystemObjectID = 8
	ObjectSecure    SystemObjectID = 9
	ObjectUpCase    SystemObjectID = 10
	ObjectExtend    SystemObjectID = 11

	// The reparse and object-id indexes live inside the $Extend directory
	// rather than at fixed record numbers. The loader resolves them by the
	// pseudo-identities below.
	ObjectExtendReparse SystemObjectID = 0x10000
	ObjectExtendObjId   SystemObjectID = 0x10001
)

// AttrType identifies an attribute within a metadata record.
type AttrType uint32

const (
	AttrStandardInformation AttrType = 0x10
	AttrAttributeList       AttrType = 0x20
	AttrFileName            AttrType = 0x30
	AttrObjectID            AttrType = 0x40
	AttrSecurityDescriptor  AttrType = 0x50
	AttrVolumeName          AttrType = 0x60
	AttrVolumeInformation   AttrType = 0x70
	AttrData                AttrType = 0x80
	AttrIndexRoot           AttrType = 0x90
	AttrIndexAllocation     AttrType = 0xA0
	AttrBitmap              AttrType = 0xB0
	AttrReparsePoint        AttrType = 0xC0
	AttrLoggedUtilityStream AttrType = 0x100

	// AttrEnd terminates the attribute sequence within a record.
	AttrEnd AttrType = 0xFFFFFFFF
)

// Attribute is one attribute as surfaced by an object handle. Only resident
// attributes carry data here; the bootstrap never follows non-resident
// attribute runs itself.
type Attribute struct {
	// Type is the attribute type code.
	Type AttrType

	// NonResident indicates that the payload lives outside the record.
	NonResident bool

	// Extended indicates a compressed, encrypted, or sparse form.
	Extended bool

	// Data is the resident payload (nil for non-resident attributes).
	Data []byte
}

// Extent is one allocated run of an object's data stream.
type Extent struct {
	// Vcn is the first virtual cluster of the run.
	Vcn uint64

	// Lcn is the first logical cluster of the run. Meaningless when Sparse
	// is set.
	Lcn uint64

	// Clusters is the run length in clusters.
	Clusters uint64

	// Sparse indicates a hole with no backing clusters.
	Sparse bool
}

// ObjectHandle is one loaded system object. Handles are acquired through an
// ObjectLoader and released exactly once with Close.
type ObjectHandle interface {
	// Size returns the object's data size in bytes.
	Size() uint64

	// ValidDataLength returns the initialized portion of the data in bytes.
	ValidDataLength() uint64

	// FindAttribute returns the first attribute of the given type, or nil
	// if the record carries none.
	FindAttribute(attrType AttrType) *Attribute

	// Extents returns the allocated runs of the object's data stream.
	Extents() []Extent

	// ReadPage returns one pageSize-sized piece of the object's data. The
	// final page may be short.
	ReadPage(pageIndex int) ([]byte, error)

	// LoadSelfRecords forces every metadata record describing this object
	// to be read and validated. Only meaningful for the MFT, which
	// describes itself.
	LoadSelfRecords() error

	// Flush writes back any dirty state held by the handle.
	Flush() error

	// Close releases the handle.
	Close() error
}

// ObjectLoader resolves the fixed well-known metadata objects by identity,
// independent of directory lookup.
type ObjectLoader interface {
	// LoadSystemObject returns a handle for the given identity. The
	// expected name is a consistency check against the record's filename
	// attribute. Returns ErrNotFound or ErrCorrupt (possibly wrapped).
	LoadSystemObject(id SystemObjectID, expectedName string) (ObjectHandle, error)
}

// LogReplayer runs journal recovery against the transaction log.
type LogReplayer interface {
	// Replay processes the log held by the handle. needsReplay reports
	// that recovery work remains outstanding, in which case a read-write
	// mount must be refused.
	Replay(handle ObjectHandle, vol *Volume) (needsReplay bool, err error)
}

// BitmapWindow is a bit-indexed allocation structure with fast free-run
// queries. The bootstrap only sizes, queries, and closes it.
type BitmapWindow interface {
	// Bits returns the capacity of the window in bits.
	Bits() uint64

	// FreeBits returns the current count of clear bits.
	FreeBits() uint64

	// Close releases the window.
	Close()
}

// WindowAllocator builds bitmap windows.
type WindowAllocator interface {
	// AllocateWindow builds a window over the given capacity. When
	// markTailUsed is set, bits beyond the capacity within the backing
	// storage are treated as allocated so an oversized on-disk bitmap does
	// not report free tail space.
	AllocateWindow(capacityBits uint64, markTailUsed bool) (BitmapWindow, error)
}

// BlockDevice is the underlying media. Reads and discards are synchronous;
// timeouts, if any, are the device implementation's concern.
type BlockDevice interface {
	// ReadSector returns the contents of one media sector. The bootstrap
	// only ever reads sector zero through this. Returns ErrDevice
	// (possibly wrapped) on a media failure.
	ReadSector(index uint64) ([]byte, error)

	// Size returns the device size in bytes.
	Size() uint64

	// SectorSize returns the media's logical sector size in bytes.
	SectorSize() uint32

	// DiscardGranularity returns the device's discard alignment in bytes,
	// or zero when the device does not support discard.
	DiscardGranularity() uint64

	// Discard releases the given range, expressed in 512-byte device
	// sectors. Returns ErrUnsupported (possibly wrapped) when the device
	// rejects the operation.
	Discard(startSector, sectorCount uint64) error

	// InvalidateBlock drops any cached metadata buffer for the given
	// device block.
	InvalidateBlock(deviceBlock uint64)

	// Sync flushes the device's write-back state.
	Sync() error
}
