// This file schedules discard (trim) requests against the underlying
// device, and invalidates cached device blocks when metadata clusters are
// repurposed as ordinary data.

package ntfs

import (
	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

const (
	// deviceSectorShift converts byte offsets to the 512-byte units the
	// device discard interface takes.
	deviceSectorShift = 9

	// defaultUnmapPageEstimate is the assumed reclaimable page count when
	// no better estimate is available.
	defaultUnmapPageEstimate = 0x2000
)

var (
	trimLogger = log.NewLogger("ntfs.trim")
)

// freeBlocksEstimate returns a rough count of cache blocks that may be
// invalidated before a device flush is forced. A variable so tests can
// substitute a small limit.
var freeBlocksEstimate = func(blockBits uint) uint64 {
	return defaultUnmapPageEstimate << (pageShift - blockBits)
}

// Discard forwards a freed cluster run to the device as a trim request.
// The next-free-cluster hint is retreated first, unconditionally, so the
// allocator benefits even when the discard itself is suppressed. The run
// is then shrunk to whole discard-granularity units; a run that collapses
// to nothing is a silent no-op. The first unsupported response from the
// device disables discards for the remainder of the mount.
func (vol *Volume) Discard(startCluster, clusterCount uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol.allocMutex.Lock()

	if vol.freeClusterHint == startCluster+clusterCount {
		vol.freeClusterHint = startCluster
	}

	vol.allocMutex.Unlock()

	if atomic.LoadUint32(&vol.noDiscard) != 0 {
		log.Panic(ErrUnsupported)
	}

	if vol.Options().Discard != true {
		log.Panic(ErrUnsupported)
	}

	offset := startCluster << vol.geometry.ClusterBits
	length := clusterCount << vol.geometry.ClusterBits

	// Align the start up and the end down on the discard granularity.

	start := (offset + vol.discardGranularity - 1) & vol.discardGranularityMaskInv
	end := (offset + length) & vol.discardGranularityMaskInv

	if start >= end {
		return nil
	}

	err = vol.config.Device.Discard(start>>deviceSectorShift, (end-start)>>deviceSectorShift)
	if err != nil {
		if log.Is(err, ErrUnsupported) == true {
			trimLogger.Warningf(nil, "Device rejected a discard as unsupported; disabling discards for this mount.")
			atomic.StoreUint32(&vol.noDiscard, 1)
		}

		log.Panic(err)
	}

	return nil
}

// SetFreeClusterHint records where the allocator should resume searching.
func (vol *Volume) SetFreeClusterHint(lcn uint64) {
	vol.allocMutex.Lock()
	defer vol.allocMutex.Unlock()

	vol.freeClusterHint = lcn
}

// FreeClusterHint returns the allocator's resume position.
func (vol *Volume) FreeClusterHint() uint64 {
	vol.allocMutex.Lock()
	defer vol.allocMutex.Unlock()

	return vol.freeClusterHint
}

// UnmapMetadata invalidates the cached device blocks underneath a cluster
// run that is leaving metadata use, so stale metadata images cannot alias
// future data reads. The device is flushed periodically along the way to
// bound the amount of invalidated-but-unflushed state.
func (vol *Volume) UnmapMetadata(startCluster, clusterCount uint64) {
	dev := vol.config.Device

	block := startCluster * uint64(vol.geometry.BlocksPerCluster)
	blocks := clusterCount * uint64(vol.geometry.BlocksPerCluster)

	limit := freeBlocksEstimate(vol.geometry.BlockBits)
	if limit >= 0x2000 {
		limit -= 0x1000
	} else if limit < 32 {
		limit = 32
	} else {
		limit >>= 1
	}

	count := uint64(0)
	for ; blocks > 0; blocks-- {
		dev.InvalidateBlock(block)
		block++

		count++
		if count > limit {
			dev.Sync()
			count = 0
		}
	}
}
