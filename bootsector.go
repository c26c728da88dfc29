// This file manages the on-disk boot sector: decoding it, validating every
// field it declares, and deriving the volume geometry that the rest of the
// driver trusts unconditionally. The boot sector is untrusted input; each
// rejection below has its own error so a caller can tell exactly which
// field was hostile.

package ntfs

import (
	"bytes"
	"fmt"
	"io"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/go-restruct/restruct"
)

const (
	bootSectorSize = 512

	// minimumSectorSize is the smallest sector size the format permits.
	minimumSectorSize = 512

	// maximumBytesPerRecord bounds the allocation made for one metadata
	// record. Format tools never produce records above 4K.
	maximumBytesPerRecord = 4096

	// pageSize is the unit in which system-object data is read.
	pageSize  = 4096
	pageShift = 12

	// use64BitClusters selects the cluster-addressing width. With 32-bit
	// numbering, a volume whose cluster count does not fit 32 bits must be
	// refused rather than truncated.
	use64BitClusters = false
)

const (
	// recordFixupOffset is the byte offset of the fixup array within a
	// metadata record.
	recordFixupOffset = 42
)

var (
	requiredSystemID = []byte("NTFS    ")

	recordSignature = []byte("FILE")

	defaultEncoding = binary.LittleEndian
)

var (
	bootSectorLogger = log.NewLogger("ntfs.bootsector")
)

// BootSector describes the fixed 512-byte layout at sector zero.
type BootSector struct {
	// Jump contains the x86 jump to the boot code. Not validated; some
	// format tools write unusual values here.
	Jump [3]byte

	// SystemID must be "NTFS    " (four trailing spaces).
	SystemID [8]byte

	// BytesPerSectorRaw is the declared sector size, little-endian. The
	// low byte must be zero: valid sector sizes are whole multiples of 256
	// and, in practice, powers of two from 512 up.
	BytesPerSectorRaw [2]byte

	// SectorsPerClusterRaw is either a direct count (values up to 0x80) or
	// a two's-complement log2 encoding (1 << (256 - value)) used by large
	// cluster sizes.
	SectorsPerClusterRaw uint8

	// ReservedSectors is unused by the format and expected to be zero.
	ReservedSectors uint16

	Zeros1  [3]byte
	Unused1 uint16

	// MediaDescriptor is a legacy BIOS parameter (0xF8 for fixed disks).
	MediaDescriptor uint8

	Zeros2 uint16

	// SectorsPerTrack, Heads, and HiddenSectors are legacy CHS geometry
	// fields kept for BIOS compatibility.
	SectorsPerTrack uint16
	Heads           uint16
	HiddenSectors   uint32

	Unused2 [4]byte
	Unused3 [4]byte

	// SectorsPerVolume is the total sector count of the filesystem. The
	// boot sector itself occupies one additional sector beyond this count.
	SectorsPerVolume uint64

	// MftClusterNumber is the cluster of the master file table.
	MftClusterNumber uint64

	// MftMirrorClusterNumber is the cluster of the MFT mirror.
	MftMirrorClusterNumber uint64

	// RecordSizeRaw encodes the metadata record size: non-negative values
	// are clusters-per-record, negative values are -log2 of a byte count.
	RecordSizeRaw int8

	Unused4 [3]byte

	// IndexSizeRaw encodes the index block size with the same convention
	// as RecordSizeRaw.
	IndexSizeRaw int8

	Unused5 [3]byte

	// SerialNumber is the volume serial assigned at format time.
	SerialNumber uint64

	// Checksum is unused by current format tools.
	Checksum uint32

	// BootCode is the bootstrap program (or filler).
	BootCode [426]byte

	// BootMagic is the classic 0x55 0xAA marker. It is not validated:
	// volumes exist in the wild without it, and the system identifier
	// above is the authoritative signature.
	BootMagic [2]byte
}

// NewBootSectorFromReader decodes one boot sector from the reader.
func NewBootSectorFromReader(r io.Reader) (bs BootSector, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	raw := make([]byte, bootSectorSize)

	_, err = io.ReadFull(r, raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, &bs)
	log.PanicIf(err)

	return bs, nil
}

// SectorSize returns the declared sector size in bytes. The low byte of the
// raw field does not participate; a nonzero low byte is a validation error.
func (bs BootSector) SectorSize() uint32 {
	return uint32(bs.BytesPerSectorRaw[1]) << 8
}

// TrueSectorsPerCluster returns the decoded sectors-per-cluster count.
func (bs BootSector) TrueSectorsPerCluster() uint32 {
	if bs.SectorsPerClusterRaw <= 0x80 {
		return uint32(bs.SectorsPerClusterRaw)
	}

	return 1 << (256 - uint32(bs.SectorsPerClusterRaw))
}

// Dump prints the raw boot-sector parameters.
func (bs BootSector) Dump() {
	fmt.Printf("Boot Sector\n")
	fmt.Printf("===========\n")
	fmt.Printf("\n")

	fmt.Printf("SystemID: [%s]\n", string(bs.SystemID[:]))
	fmt.Printf("BytesPerSector: (%d)\n", bs.SectorSize())
	fmt.Printf("SectorsPerCluster: (0x%02x) -> (%d)\n", bs.SectorsPerClusterRaw, bs.TrueSectorsPerCluster())
	fmt.Printf("MediaDescriptor: (0x%02x)\n", bs.MediaDescriptor)
	fmt.Printf("SectorsPerVolume: (%d)\n", bs.SectorsPerVolume)
	fmt.Printf("MftClusterNumber: (%d)\n", bs.MftClusterNumber)
	fmt.Printf("MftMirrorClusterNumber: (%d)\n", bs.MftMirrorClusterNumber)
	fmt.Printf("RecordSizeRaw: (%d)\n", bs.RecordSizeRaw)
	fmt.Printf("IndexSizeRaw: (%d)\n", bs.IndexSizeRaw)
	fmt.Printf("SerialNumber: (0x%016x)\n", bs.SerialNumber)
	fmt.Printf("\n")
}

// String returns a description of the boot sector.
func (bs BootSector) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%016x) SECTORS=(%d)>", bs.SerialNumber, bs.SectorsPerVolume)
}

// VolumeGeometry is the validated set of sizes and locations derived from
// the boot sector. It is created once per mount and immutable thereafter.
type VolumeGeometry struct {
	// SectorSize and ClusterSize are byte sizes; both are powers of two
	// and ClusterSize >= SectorSize.
	SectorSize uint32
	SectorBits uint

	ClusterSize uint32
	ClusterBits uint
	ClusterMask uint32

	SectorsPerCluster uint32

	// RecordSize is the metadata record size in bytes; IndexSize is the
	// index block size in bytes.
	RecordSize uint32
	RecordBits uint
	IndexSize  uint32

	// MftLocation and MftMirrorLocation are byte offsets of the MFT and
	// its mirror.
	MftLocation       uint64
	MftMirrorLocation uint64

	SerialNumber uint64

	// Sectors is the on-disk sector count; VolumeSize is the same in
	// bytes. ClusterCount is VolumeSize >> ClusterBits.
	Sectors      uint64
	VolumeSize   uint64
	ClusterCount uint64

	// AttrSizeThreshold is the resident-attribute size above which the
	// attribute should be made non-resident (~5/16 of a record).
	AttrSizeThreshold uint32

	// MaxBytesPerAttribute bounds a resident attribute: the record size
	// minus the fixed header, the fixup array, and the end marker.
	MaxBytesPerAttribute uint32

	// MaxFileSize and MaxSparseFileSize are the derived file-size ceilings.
	MaxFileSize       uint64
	MaxSparseFileSize uint64

	// BlockSize is the metadata buffer size: the cluster size, capped at
	// one page. BlocksPerCluster and TotalBlocks are derived from it.
	BlockSize        uint32
	BlockBits        uint
	BlocksPerCluster uint32
	TotalBlocks      uint64

	// ForcedReadOnly is set when the filesystem believes it is larger than
	// the device (a truncated/raw image). Such a volume mounts read-only
	// instead of failing.
	ForcedReadOnly bool

	// NewRecordTemplate is a fully initialized empty metadata record,
	// copied whenever a new record must be formatted.
	NewRecordTemplate []byte
}

// decodeMetaSize decodes a record-size or index-size field. Non-negative
// values are cluster counts and must themselves be powers of two; negative
// values encode log2 of a byte count and must yield at least one sector.
func decodeMetaSize(field int8, clusterBits uint) (size uint32, ok bool) {
	if field < 0 {
		size = uint32(1) << uint(-field)
		return size, size >= minimumSectorSize
	}

	return uint32(field) << clusterBits, IsPowerOfTwo(uint64(field))
}

// newRecordTemplate builds the exemplar empty metadata record for the given
// record size: signature, fixup array sized to the record, quad-aligned
// attribute offset, and the end-of-attributes marker.
func newRecordTemplate(recordSize uint32) []byte {
	template := make([]byte, recordSize)

	copy(template[0:], recordSignature)

	fixupCount := uint16(recordSize>>BlockSizeBits(minimumSectorSize)) + 1
	attrOffset := QuadAlign(recordFixupOffset + 2*uint32(fixupCount))

	defaultEncoding.PutUint16(template[4:], recordFixupOffset)
	defaultEncoding.PutUint16(template[6:], fixupCount)
	defaultEncoding.PutUint16(template[20:], uint16(attrOffset))
	defaultEncoding.PutUint32(template[24:], attrOffset+QuadAlign(4))
	defaultEncoding.PutUint32(template[28:], recordSize)
	defaultEncoding.PutUint32(template[attrOffset:], uint32(AttrEnd))

	return template
}

// NewVolumeGeometryFromBootSector validates the raw boot sector against the
// actual media and derives the volume geometry. mediaSectorSize is the
// device's logical sector size; deviceSize is the device size in bytes.
//
// Validation failures return one of the boot-sector sentinels (see
// IsFormatError). A filesystem larger than its device is not a failure: the
// geometry comes back with ForcedReadOnly set.
func NewVolumeGeometryFromBootSector(bootData []byte, mediaSectorSize uint32, deviceSize uint64) (geometry *VolumeGeometry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	bs := BootSector{}

	err = restruct.Unpack(bootData[:bootSectorSize], defaultEncoding, &bs)
	log.PanicIf(err)

	if bytes.Equal(bs.SystemID[:], requiredSystemID) != true {
		log.Panic(ErrBootSignature)
	}

	sectorSize := bs.SectorSize()
	if bs.BytesPerSectorRaw[0] != 0 || sectorSize < minimumSectorSize || IsPowerOfTwo(uint64(sectorSize)) != true {
		log.Panic(ErrBootSectorSize)
	}

	sectorsPerCluster := bs.TrueSectorsPerCluster()
	if IsPowerOfTwo(uint64(sectorsPerCluster)) != true {
		log.Panic(ErrBootSectorsPerCluster)
	}

	sectors := bs.SectorsPerVolume

	if bs.MftClusterNumber*uint64(sectorsPerCluster) >= sectors {
		log.Panic(ErrBootMftLocation)
	}

	if bs.MftMirrorClusterNumber*uint64(sectorsPerCluster) >= sectors {
		log.Panic(ErrBootMftMirrorLocation)
	}

	sectorBits := BlockSizeBits(uint64(sectorSize))

	// The boot sector itself sits beyond the declared sector count.
	fsSize := (sectors + 1) << sectorBits

	// The volume may have been formatted with one sector size and be
	// mounted on media with another (512 vs 4K). Widen the effective
	// device size by one media sector so the comparison below is not
	// thrown off by the difference.
	if sectorSize != mediaSectorSize {
		bootSectorLogger.Warningf(nil, "Filesystem sector size (%d) does not match media sector size (%d).", sectorSize, mediaSectorSize)
		deviceSize += uint64(mediaSectorSize) - 1
	}

	clusterSize := sectorSize * sectorsPerCluster
	clusterBits := BlockSizeBits(uint64(clusterSize))

	if clusterSize < sectorSize {
		log.Panic(ErrBootClusterSize)
	}

	recordSize, ok := decodeMetaSize(bs.RecordSizeRaw, clusterBits)
	if ok != true {
		log.Panic(ErrBootRecordSize)
	}

	if recordSize > maximumBytesPerRecord {
		log.Panic(ErrBootRecordTooBig)
	}

	indexSize, ok := decodeMetaSize(bs.IndexSizeRaw, clusterBits)
	if ok != true {
		log.Panic(ErrBootIndexSize)
	}

	volumeSize := sectors << sectorBits

	geometry = &VolumeGeometry{
		SectorSize:        sectorSize,
		SectorBits:        sectorBits,
		ClusterSize:       clusterSize,
		ClusterBits:       clusterBits,
		ClusterMask:       clusterSize - 1,
		SectorsPerCluster: sectorsPerCluster,
		RecordSize:        recordSize,
		RecordBits:        BlockSizeBits(uint64(recordSize)),
		IndexSize:         indexSize,
		MftLocation:       bs.MftClusterNumber << clusterBits,
		MftMirrorLocation: bs.MftMirrorClusterNumber << clusterBits,
		SerialNumber:      bs.SerialNumber,
		Sectors:           sectors,
		VolumeSize:        volumeSize,
	}

	// A filesystem that believes it is bigger than its device is a
	// truncated or raw image. Mount it, but never write to it.
	if deviceSize < fsSize {
		bootSectorLogger.Warningf(nil, "Raw volume: filesystem size (%s) exceeds device size (%s). Mounting read-only.", humanize.IBytes(fsSize), humanize.IBytes(deviceSize))
		geometry.ForcedReadOnly = true
	}

	clusters := volumeSize >> clusterBits
	geometry.ClusterCount = clusters

	if use64BitClusters != true && clusters>>32 != 0 {
		log.Panic(ErrBootTooManyClusters)
	}

	geometry.AttrSizeThreshold = (5 * recordSize) >> 4

	fixupCount := (recordSize >> BlockSizeBits(minimumSectorSize)) + 1
	geometry.MaxBytesPerAttribute = recordSize - QuadAlign(recordFixupOffset) - QuadAlign(2*fixupCount) - QuadAlign(4)

	geometry.NewRecordTemplate = newRecordTemplate(recordSize)

	geometry.BlockSize = clusterSize
	if geometry.BlockSize > pageSize {
		geometry.BlockSize = pageSize
	}

	geometry.BlockBits = BlockSizeBits(uint64(geometry.BlockSize))
	geometry.BlocksPerCluster = clusterSize >> geometry.BlockBits
	geometry.TotalBlocks = volumeSize >> geometry.BlockBits

	geometry.MaxFileSize = (clusters << clusterBits) - 1
	geometry.MaxSparseFileSize = (uint64(1) << (clusterBits + 32)) - 1

	return geometry, nil
}

// Dump prints the derived geometry.
func (geometry *VolumeGeometry) Dump() {
	fmt.Printf("Volume Geometry\n")
	fmt.Printf("===============\n")
	fmt.Printf("\n")

	fmt.Printf("SectorSize: (%d)\n", geometry.SectorSize)
	fmt.Printf("ClusterSize: (%d)\n", geometry.ClusterSize)
	fmt.Printf("SectorsPerCluster: (%d)\n", geometry.SectorsPerCluster)
	fmt.Printf("RecordSize: (%d)\n", geometry.RecordSize)
	fmt.Printf("IndexSize: (%d)\n", geometry.IndexSize)
	fmt.Printf("MftLocation: (0x%016x)\n", geometry.MftLocation)
	fmt.Printf("MftMirrorLocation: (0x%016x)\n", geometry.MftMirrorLocation)
	fmt.Printf("VolumeSize: (%d)\n", geometry.VolumeSize)
	fmt.Printf("ClusterCount: (%d)\n", geometry.ClusterCount)
	fmt.Printf("MaxBytesPerAttribute: (%d)\n", geometry.MaxBytesPerAttribute)
	fmt.Printf("MaxFileSize: (%d)\n", geometry.MaxFileSize)
	fmt.Printf("MaxSparseFileSize: (%d)\n", geometry.MaxSparseFileSize)
	fmt.Printf("ForcedReadOnly: [%v]\n", geometry.ForcedReadOnly)
	fmt.Printf("\n")
}

// String returns a description of the geometry.
func (geometry *VolumeGeometry) String() string {
	return fmt.Sprintf("VolumeGeometry<SN=(0x%016x) CLUSTER-SIZE=(%d) CLUSTERS=(%d)>", geometry.SerialNumber, geometry.ClusterSize, geometry.ClusterCount)
}
