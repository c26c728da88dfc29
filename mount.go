// This file manages the volume bootstrap: the strictly ordered sequence of
// system-object loads that turns a validated geometry into a usable volume,
// with fail-fast rollback of everything acquired so far. Each step is one
// entry in an ordered phase table run by a generic runner; every acquired
// resource pushes its releaser onto a stack that is unwound in reverse on
// failure (and on unmount), so a step cannot be added or removed without
// its rollback following along.

package ntfs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

const (
	// firstUserRecord is the first MFT record number available to ordinary
	// files; everything below it is reserved for system objects.
	firstUserRecord = 16

	// maxNameLength is the longest filename the format allows.
	maxNameLength = 255

	// maxLabelLength is the longest volume label the attribute-definition
	// table permits.
	maxLabelLength = 128

	// maxCompressionClusterSize is the largest cluster size for which the
	// legacy compression format is defined. Bigger clusters never carry
	// compressed data, so no working buffers are needed for them.
	maxCompressionClusterSize = 4096

	// compressionFrameShift sizes a compression frame: sixteen clusters.
	compressionFrameShift = 4
)

const (
	// volumeFlagDirty marks a volume that was not cleanly unmounted.
	volumeFlagDirty = 0x0001
)

var (
	mountLogger = log.NewLogger("ntfs.mount")
)

// MountConfig carries everything a mount needs: the device, the external
// collaborators, and the option string.
type MountConfig struct {
	// Device is the underlying media.
	Device BlockDevice

	// Loader resolves the fixed well-known system objects.
	Loader ObjectLoader

	// Replayer runs journal recovery over $LogFile.
	Replayer LogReplayer

	// Windows builds allocation-bitmap windows.
	Windows WindowAllocator

	// OptionString is the flat mount option string.
	OptionString string

	// Defaults supplies the identity and mask defaults the option string
	// may override.
	Defaults OptionDefaults

	// ReadOnly requests a read-only mount. A truncated volume forces this
	// regardless.
	ReadOnly bool

	// SharedBuffers overrides the process-wide registry used for the
	// case-folding table. Nil selects the default.
	SharedBuffers *SharedBufferRegistry
}

// Volume is a mounted volume session: the validated geometry plus every
// loaded system-object handle. It is built incrementally by Mount and torn
// down as a whole by Unmount (or by Mount itself, on failure).
type Volume struct {
	config MountConfig

	geometry *VolumeGeometry

	// optionsMutex serializes the remount transaction against Sync, so a
	// sync sees either fully-old or fully-new options.
	optionsMutex sync.Mutex
	options      *MountOptions

	readOnly    bool
	needsReplay bool

	label        string
	majorVersion uint8
	minorVersion uint8
	volumeFlags  uint16

	shared *SharedBufferRegistry
	upcase []byte

	compressionFrame []byte

	attrDefs       []AttrDefEntry
	maxReparseSize uint64

	badClusters uint64

	mftHandle       ObjectHandle
	mftBitmap       BitmapWindow
	mftUsedRecords  uint64
	mftTotalRecords uint64
	mftNextRecord   uint64
	mftZoneClusters uint64
	mirroredRecords uint64

	usedBitmap BitmapWindow

	// allocMutex guards the next-free-cluster hint shared between the
	// allocator and the discard path.
	allocMutex      sync.Mutex
	freeClusterHint uint64

	volumeHandle   ObjectHandle
	securityHandle ObjectHandle
	reparseHandle  ObjectHandle
	objidHandle    ObjectHandle
	rootHandle     ObjectHandle

	// noDiscard latches after the first unsupported discard and stays set
	// for the life of the mount.
	noDiscard                 uint32
	discardGranularity        uint64
	discardGranularityMaskInv uint64

	// teardown is the rollback stack: one releaser per acquired resource,
	// pushed in acquisition order and run in reverse.
	teardown []func()

	mounted bool
}

type bootstrapPhase struct {
	name string
	run  func(vol *Volume) error
}

// bootstrapPhases is the ordered load sequence. Failure at any phase
// unwinds every releaser the earlier phases pushed.
var bootstrapPhases = []bootstrapPhase{
	{"options", (*Volume).parseOptionsPhase},
	{"geometry", (*Volume).parseGeometryPhase},
	{"compression", (*Volume).compressionPhase},
	{"$Volume", (*Volume).loadVolumePhase},
	{"$MFTMirr", (*Volume).loadMftMirrorPhase},
	{"$LogFile", (*Volume).replayLogPhase},
	{"consistency", (*Volume).consistencyPhase},
	{"$MFT", (*Volume).loadMftPhase},
	{"$BadClus", (*Volume).loadBadClustersPhase},
	{"$Bitmap", (*Volume).loadBitmapPhase},
	{"zone", (*Volume).refreshZonePhase},
	{"$AttrDef", (*Volume).loadAttrDefPhase},
	{"$UpCase", (*Volume).loadUpcasePhase},
	{"optional", (*Volume).loadOptionalPhase},
	{"root", (*Volume).loadRootPhase},
}

// Mount bootstraps a volume from the given configuration. On any failure,
// everything acquired up to that point is released and the error comes back
// classified (see IsFormatError, IsConsistencyError, and the sentinels).
func Mount(config MountConfig) (vol *Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if config.Device == nil || config.Loader == nil || config.Replayer == nil || config.Windows == nil {
		log.Panicf("mount configuration is incomplete")
	}

	shared := config.SharedBuffers
	if shared == nil {
		shared = defaultSharedBuffers
	}

	vol = &Volume{
		config:   config,
		shared:   shared,
		readOnly: config.ReadOnly,
		teardown: make([]func(), 0),
	}

	for _, phase := range bootstrapPhases {
		err := runBootstrapPhase(vol, phase)
		if err != nil {
			mountLogger.Warningf(nil, "Mount failed in phase [%s].", phase.name)

			vol.release()
			return nil, log.Wrap(err)
		}
	}

	vol.mounted = true

	return vol, nil
}

// runBootstrapPhase runs one phase, converting panics to errors so the
// caller always sees a definite success or failure per phase.
func runBootstrapPhase(vol *Volume, phase bootstrapPhase) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = phase.run(vol)
	log.PanicIf(err)

	return nil
}

// pushReleaser records the rollback action for a just-acquired resource.
func (vol *Volume) pushReleaser(releaser func()) {
	vol.teardown = append(vol.teardown, releaser)
}

// release unwinds the teardown stack in reverse acquisition order. Safe to
// call more than once.
func (vol *Volume) release() {
	for i := len(vol.teardown) - 1; i >= 0; i-- {
		vol.teardown[i]()
	}

	vol.teardown = vol.teardown[:0]
	vol.mounted = false
}

func (vol *Volume) parseOptionsPhase() (err error) {
	opts, err := ParseMountOptions(vol.config.OptionString, vol.config.Defaults)
	if err != nil {
		return log.Wrap(err)
	}

	vol.options = opts

	vol.pushReleaser(func() {
		vol.options.clear()
	})

	return nil
}

func (vol *Volume) parseGeometryPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dev := vol.config.Device

	bootData, err := dev.ReadSector(0)
	log.PanicIf(err)

	geometry, err := NewVolumeGeometryFromBootSector(bootData, dev.SectorSize(), dev.Size())
	log.PanicIf(err)

	vol.geometry = geometry

	if geometry.ForcedReadOnly == true {
		vol.readOnly = true
	}

	if granularity := dev.DiscardGranularity(); granularity != 0 {
		vol.discardGranularity = granularity
		vol.discardGranularityMaskInv = ^(granularity - 1)
	} else {
		atomic.StoreUint32(&vol.noDiscard, 1)
	}

	return nil
}

func (vol *Volume) compressionPhase() (err error) {
	if vol.geometry.ClusterSize > maxCompressionClusterSize {
		return nil
	}

	frameSize := uint64(vol.geometry.ClusterSize) << compressionFrameShift
	vol.compressionFrame = make([]byte, frameSize)

	return nil
}

// loadVolumePhase loads $Volume: the optional label and the mandatory
// volume-information attribute (version and flags). This must precede the
// journal phases, which consult the flags.
func (vol *Volume) loadVolumePhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectVolume, "$Volume")
	log.PanicIf(err)

	vol.volumeHandle = handle

	vol.pushReleaser(func() {
		handle.Close()
	})

	if attr := handle.FindAttribute(AttrVolumeName); attr != nil {
		if attr.NonResident != true && attr.Extended != true {
			chars := len(attr.Data) / 2
			if chars > maxLabelLength {
				chars = maxLabelLength
			}

			vol.label = UnicodeFromUtf16le(attr.Data, chars)
		}

		// A non-resident or extended-form label is skipped, not fatal.
	}

	info := handle.FindAttribute(AttrVolumeInformation)
	if info == nil || info.NonResident == true || info.Extended == true {
		log.Panic(ErrCorrupt)
	}

	// Reserved quad, major, minor, flags.
	if len(info.Data) < 12 {
		log.Panic(ErrCorrupt)
	}

	vol.majorVersion = info.Data[8]
	vol.minorVersion = info.Data[9]
	vol.volumeFlags = defaultEncoding.Uint16(info.Data[10:])

	return nil
}

// loadMftMirrorPhase derives the mirrored-record count from the size of
// $MFTMirr. The handle is not retained.
func (vol *Volume) loadMftMirrorPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectMftMirror, "$MFTMirr")
	log.PanicIf(err)

	vol.mirroredRecords = vol.roundUpToCluster(handle.Size()) >> vol.geometry.RecordBits

	err = handle.Close()
	log.PanicIf(err)

	return nil
}

// replayLogPhase hands $LogFile to the external replay collaborator. The
// handle is released after replay; only the needs-replay outcome is kept.
func (vol *Volume) replayLogPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectLogFile, "$LogFile")
	log.PanicIf(err)

	needsReplay, err := vol.config.Replayer.Replay(handle, vol)
	if err != nil {
		handle.Close()
		log.Panic(err)
	}

	vol.needsReplay = needsReplay

	err = handle.Close()
	log.PanicIf(err)

	return nil
}

// consistencyPhase refuses a read-write mount of a volume the journal
// could not bring consistent, and of a dirty volume without the force
// option. Read-only mounts proceed either way.
func (vol *Volume) consistencyPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.readOnly == true {
		return nil
	}

	if vol.needsReplay == true {
		mountLogger.Warningf(nil, "Journal was not replayed; refusing a read-write mount.")
		log.Panic(ErrNeedsReplay)
	}

	if vol.volumeFlags&volumeFlagDirty != 0 && vol.options.Force != true {
		mountLogger.Warningf(nil, "Volume is dirty and the force option is not set; refusing a read-write mount.")
		log.Panic(ErrVolumeDirty)
	}

	return nil
}

// loadMftPhase loads $MFT itself. The MFT describes itself, so its own
// metadata records must be fully loaded before any other record lookup can
// be trusted.
func (vol *Volume) loadMftPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectMft, "$MFT")
	log.PanicIf(err)

	vol.mftHandle = handle

	vol.pushReleaser(func() {
		handle.Close()
	})

	vol.mftUsedRecords = handle.ValidDataLength() >> vol.geometry.RecordBits
	vol.mftTotalRecords = handle.Size() >> vol.geometry.RecordBits
	vol.mftNextRecord = firstUserRecord

	window, err := vol.config.Windows.AllocateWindow(vol.mftTotalRecords, false)
	log.PanicIf(err)

	vol.mftBitmap = window

	vol.pushReleaser(func() {
		window.Close()
	})

	err = handle.LoadSelfRecords()
	log.PanicIf(err)

	return nil
}

// loadBadClustersPhase sums the allocated extents of $BadClus. Sparse runs
// are holes, not bad clusters. The handle is not retained.
func (vol *Volume) loadBadClustersPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectBadClus, "$BadClus")
	log.PanicIf(err)

	for _, extent := range handle.Extents() {
		if extent.Sparse == true {
			continue
		}

		if vol.badClusters == 0 {
			mountLogger.Warningf(nil, "Volume contains bad blocks.")
		}

		vol.badClusters += extent.Clusters
	}

	err = handle.Close()
	log.PanicIf(err)

	return nil
}

// loadBitmapPhase loads $Bitmap and builds the volume free-space window
// over exactly the geometry's cluster count, marking any trailing bits in
// an oversized bitmap as used.
func (vol *Volume) loadBitmapPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectBitmap, "$Bitmap")
	log.PanicIf(err)

	size := handle.Size()

	if use64BitClusters != true && size>>32 != 0 {
		handle.Close()
		log.Panic(ErrCorrupt)
	}

	if size < bitmapByteSize(vol.geometry.ClusterCount) {
		handle.Close()
		log.Panic(ErrCorrupt)
	}

	window, err := vol.config.Windows.AllocateWindow(vol.geometry.ClusterCount, true)
	if err != nil {
		handle.Close()
		log.Panic(err)
	}

	vol.usedBitmap = window

	vol.pushReleaser(func() {
		window.Close()
	})

	err = handle.Close()
	log.PanicIf(err)

	return nil
}

// bitmapByteSize returns the on-disk byte size required to cover the given
// bit count; the bitmap is stored in eight-byte units.
func bitmapByteSize(bits uint64) uint64 {
	return ((bits + 63) >> 6) << 3
}

// refreshZonePhase recomputes the MFT's preferred-growth zone from current
// bitmap occupancy: an eighth of the free space, reserved near the MFT so
// its records stay contiguous.
func (vol *Volume) refreshZonePhase() (err error) {
	vol.mftZoneClusters = vol.usedBitmap.FreeBits() >> 3

	return nil
}

func (vol *Volume) loadAttrDefPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectAttrDef, "$AttrDef")
	log.PanicIf(err)

	entries, maxReparseSize, err := loadAttrDefinitions(handle)
	if err != nil {
		handle.Close()
		log.Panic(err)
	}

	vol.attrDefs = entries
	vol.maxReparseSize = maxReparseSize

	err = handle.Close()
	log.PanicIf(err)

	return nil
}

// loadUpcasePhase loads the case-folding table and offers it to the shared
// registry; if another mount already shares identical content, the private
// copy is dropped in favor of the representative.
func (vol *Volume) loadUpcasePhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectUpCase, "$UpCase")
	log.PanicIf(err)

	table, err := loadUpcaseTable(handle)
	if err != nil {
		handle.Close()
		log.Panic(err)
	}

	err = handle.Close()
	log.PanicIf(err)

	vol.upcase = vol.shared.Acquire(table)

	vol.pushReleaser(func() {
		vol.shared.Release(vol.upcase)
	})

	return nil
}

// loadOptionalPhase loads the extended system objects present on current
// format versions. $Secure is mandatory there; a failure among the $Extend
// family only skips the remaining optional loads.
func (vol *Volume) loadOptionalPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.majorVersion < 3 {
		return nil
	}

	security, err := vol.config.Loader.LoadSystemObject(ObjectSecure, "$Secure")
	log.PanicIf(err)

	vol.securityHandle = security

	vol.pushReleaser(func() {
		security.Close()
	})

	extend, err := vol.config.Loader.LoadSystemObject(ObjectExtend, "$Extend")
	if err != nil {
		mountLogger.Warningf(nil, "Failed to load $Extend; skipping the extended system objects.")
		return nil
	}

	err = extend.Close()
	log.PanicIf(err)

	reparse, err := vol.config.Loader.LoadSystemObject(ObjectExtendReparse, "$Reparse")
	if err != nil {
		mountLogger.Warningf(nil, "Failed to load $Extend\\$Reparse; skipping the remaining extended system objects.")
		return nil
	}

	vol.reparseHandle = reparse

	vol.pushReleaser(func() {
		reparse.Close()
	})

	objid, err := vol.config.Loader.LoadSystemObject(ObjectExtendObjId, "$ObjId")
	if err != nil {
		mountLogger.Warningf(nil, "Failed to load $Extend\\$ObjId.")
		return nil
	}

	vol.objidHandle = objid

	vol.pushReleaser(func() {
		objid.Close()
	})

	return nil
}

func (vol *Volume) loadRootPhase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	handle, err := vol.config.Loader.LoadSystemObject(ObjectRoot, ".")
	log.PanicIf(err)

	vol.rootHandle = handle

	vol.pushReleaser(func() {
		handle.Close()
	})

	return nil
}

// roundUpToCluster rounds a byte count up to a whole cluster.
func (vol *Volume) roundUpToCluster(size uint64) uint64 {
	mask := uint64(vol.geometry.ClusterMask)
	return (size + mask) &^ mask
}

// Unmount releases every resource the bootstrap acquired, in reverse
// acquisition order, and flushes the device.
func (vol *Volume) Unmount() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol.release()

	err = vol.config.Device.Sync()
	log.PanicIf(err)

	return nil
}

// Sync flushes the retained system-object handles. It is serialized with
// the remount transaction, so it sees either the fully-old or fully-new
// option set, never a mix.
func (vol *Volume) Sync() (err error) {
	vol.optionsMutex.Lock()
	defer vol.optionsMutex.Unlock()

	for _, handle := range []ObjectHandle{vol.securityHandle, vol.objidHandle, vol.reparseHandle} {
		if handle == nil {
			continue
		}

		flushErr := handle.Flush()
		if flushErr != nil && err == nil {
			err = flushErr
		}
	}

	if err != nil {
		return log.Wrap(err)
	}

	return nil
}

// Remount atomically replaces the option set. In-flight writes are
// quiesced (the option lock excludes Sync) and the retained handles are
// flushed before the swap. On any failure, the live options and their
// loaded tables are untouched. toReadWrite requests a read-only to
// read-write transition, which the consistency preconditions may refuse.
func (vol *Volume) Remount(optionString string, toReadWrite bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol.optionsMutex.Lock()
	defer vol.optionsMutex.Unlock()

	roToRw := toReadWrite == true && vol.readOnly == true

	for _, handle := range []ObjectHandle{vol.securityHandle, vol.objidHandle, vol.reparseHandle} {
		if handle != nil {
			handle.Flush()
		}
	}

	dirty := vol.volumeFlags&volumeFlagDirty != 0

	opts, err := RemountOptions(vol.options, optionString, vol.config.Defaults, roToRw, vol.needsReplay, dirty)
	log.PanicIf(err)

	vol.options = opts

	if roToRw == true {
		vol.readOnly = false
	}

	mountLogger.Infof(nil, "Remounted. Options: [%s]", opts)

	return nil
}

// VolumeStats is the free-space summary for a mounted volume.
type VolumeStats struct {
	ClusterSize   uint32
	TotalClusters uint64
	FreeClusters  uint64
	BadClusters   uint64
	SerialNumber  uint64
	Label         string
	MaxNameLength int
}

// Stats returns the volume's free-space summary.
func (vol *Volume) Stats() VolumeStats {
	return VolumeStats{
		ClusterSize:   vol.geometry.ClusterSize,
		TotalClusters: vol.usedBitmap.Bits(),
		FreeClusters:  vol.usedBitmap.FreeBits(),
		BadClusters:   vol.badClusters,
		SerialNumber:  vol.geometry.SerialNumber,
		Label:         vol.label,
		MaxNameLength: maxNameLength,
	}
}

// Geometry returns the validated volume geometry.
func (vol *Volume) Geometry() *VolumeGeometry {
	return vol.geometry
}

// Options returns the active option set. The caller treats it as immutable;
// remount replaces it as a whole.
func (vol *Volume) Options() *MountOptions {
	vol.optionsMutex.Lock()
	defer vol.optionsMutex.Unlock()

	return vol.options
}

// ReadOnly indicates whether the mount is (or was forced) read-only.
func (vol *Volume) ReadOnly() bool {
	return vol.readOnly
}

// NeedsReplay indicates that journal recovery work remains outstanding.
func (vol *Volume) NeedsReplay() bool {
	return vol.needsReplay
}

// Label returns the volume label, or the empty string when the label was
// absent, non-resident, or in an extended form.
func (vol *Volume) Label() string {
	return vol.label
}

// Version returns the on-disk format version.
func (vol *Volume) Version() (major, minor uint8) {
	return vol.majorVersion, vol.minorVersion
}

// AttrDefinitions returns the loaded attribute-definition entries.
func (vol *Volume) AttrDefinitions() []AttrDefEntry {
	return vol.attrDefs
}

// MaxReparseSize returns the largest reparse-point payload the volume
// permits.
func (vol *Volume) MaxReparseSize() uint64 {
	return vol.maxReparseSize
}

// BadClusters returns the number of known-bad clusters.
func (vol *Volume) BadClusters() uint64 {
	return vol.badClusters
}

// MirroredRecords returns the number of records covered by $MFTMirr.
func (vol *Volume) MirroredRecords() uint64 {
	return vol.mirroredRecords
}

// Root returns the root directory handle, the volume's entry point.
func (vol *Volume) Root() ObjectHandle {
	return vol.rootHandle
}

// String returns a description of the volume.
func (vol *Volume) String() string {
	return fmt.Sprintf("Volume<SN=(0x%016x) LABEL=[%s] VERSION=(%d.%d)>", vol.geometry.SerialNumber, vol.label, vol.majorVersion, vol.minorVersion)
}
