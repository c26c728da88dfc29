package ntfs

import (
	"errors"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrBootSignature indicates that the boot sector does not carry the
	// NTFS system identifier.
	ErrBootSignature = errors.New("boot sector signature not correct")

	// ErrBootSectorSize indicates an invalid declared bytes-per-sector
	// value (low byte set, below the minimum, or not a power of two).
	ErrBootSectorSize = errors.New("boot sector declares an invalid sector size")

	// ErrBootSectorsPerCluster indicates that the decoded sectors-per-
	// cluster value is not a power of two.
	ErrBootSectorsPerCluster = errors.New("boot sector declares an invalid sectors-per-cluster value")

	// ErrBootMftLocation indicates that the MFT cluster number points past
	// the end of the volume.
	ErrBootMftLocation = errors.New("boot sector places the MFT beyond the volume")

	// ErrBootMftMirrorLocation indicates that the MFT-mirror cluster number
	// points past the end of the volume.
	ErrBootMftMirrorLocation = errors.New("boot sector places the MFT mirror beyond the volume")

	// ErrBootRecordSize indicates an invalid record-size field.
	ErrBootRecordSize = errors.New("boot sector declares an invalid record size")

	// ErrBootIndexSize indicates an invalid index-size field.
	ErrBootIndexSize = errors.New("boot sector declares an invalid index size")

	// ErrBootClusterSize indicates that the derived cluster size is smaller
	// than the sector size.
	ErrBootClusterSize = errors.New("boot sector declares a cluster size smaller than the sector size")

	// ErrBootRecordTooBig indicates that the derived record size exceeds
	// the largest record this driver will allocate.
	ErrBootRecordTooBig = errors.New("boot sector declares a record size above the supported maximum")

	// ErrBootTooManyClusters indicates that the cluster count does not fit
	// the configured cluster-addressing width.
	ErrBootTooManyClusters = errors.New("volume is too big for the configured bits-per-cluster")
)

var (
	// ErrNeedsReplay indicates that the journal has not been replayed, so
	// a read-write mount must be refused. Remediation: mount read-only, or
	// unmount and mount again so replay can run.
	ErrNeedsReplay = errors.New("journal is not replayed; can not mount read-write")

	// ErrVolumeDirty indicates that the volume dirty flag is set and the
	// force option was not given. Remediation: run a filesystem check, or
	// pass the force option.
	ErrVolumeDirty = errors.New("volume is dirty and the force option is not set")

	// ErrOption indicates a malformed mount/remount option string.
	ErrOption = errors.New("mount options not parseable")

	// ErrDevice indicates an I/O failure against the underlying device.
	ErrDevice = errors.New("device i/o failed")

	// ErrNotFound indicates that a required system object could not be
	// resolved by its fixed identity.
	ErrNotFound = errors.New("system object not found")

	// ErrCorrupt indicates that a system object was resolved but its
	// contents fail validation.
	ErrCorrupt = errors.New("system object is corrupt")

	// ErrUnsupported indicates that the device (or the mount configuration)
	// does not support the requested operation.
	ErrUnsupported = errors.New("operation not supported")
)

var (
	formatErrors = []error{
		ErrBootSignature,
		ErrBootSectorSize,
		ErrBootSectorsPerCluster,
		ErrBootMftLocation,
		ErrBootMftMirrorLocation,
		ErrBootRecordSize,
		ErrBootIndexSize,
		ErrBootClusterSize,
		ErrBootRecordTooBig,
		ErrBootTooManyClusters,
	}
)

// IsFormatError indicates whether the given error is one of the boot-sector
// rejection reasons. A format error means the volume must not be mounted.
func IsFormatError(err error) bool {
	for _, formatErr := range formatErrors {
		if log.Is(err, formatErr) == true {
			return true
		}
	}

	return false
}

// IsConsistencyError indicates whether the given error is one of the two
// conditions that block a read-write mount of an otherwise valid volume.
func IsConsistencyError(err error) bool {
	return log.Is(err, ErrNeedsReplay) == true || log.Is(err, ErrVolumeDirty) == true
}
