package ntfs

import (
	"errors"

	"github.com/go-restruct/restruct"
)

// The fixtures below describe a small, healthy volume: 512-byte sectors,
// eight sectors per cluster, 1024-byte records, 4096-byte index blocks.

const (
	testSectorCount  = 0x7ff0
	testClusterCount = testSectorCount >> 3
	testDeviceSize   = (testSectorCount + 1) * 512
)

func newTestBootSector() *BootSector {
	bs := new(BootSector)

	copy(bs.SystemID[:], requiredSystemID)
	bs.BytesPerSectorRaw = [2]byte{0x00, 0x02}
	bs.SectorsPerClusterRaw = 8
	bs.MediaDescriptor = 0xf8
	bs.SectorsPerVolume = testSectorCount
	bs.MftClusterNumber = 4
	bs.MftMirrorClusterNumber = testClusterCount / 2
	bs.RecordSizeRaw = -10
	bs.IndexSizeRaw = -12
	bs.SerialNumber = 0x1122334455667788
	bs.BootMagic = [2]byte{0x55, 0xaa}

	return bs
}

func packTestBootSector(bs *BootSector) []byte {
	data, err := restruct.Pack(defaultEncoding, bs)
	if err != nil {
		panic(err)
	}

	return data
}

type testDiscardCall struct {
	startSector uint64
	sectorCount uint64
}

type testBlockDevice struct {
	bootData           []byte
	size               uint64
	sectorSize         uint32
	discardGranularity uint64

	discardErr  error
	discards    []testDiscardCall
	invalidated []uint64
	syncCount   int
}

func newTestBlockDevice(bootData []byte) *testBlockDevice {
	return &testBlockDevice{
		bootData:           bootData,
		size:               testDeviceSize,
		sectorSize:         512,
		discardGranularity: 4096,
	}
}

func (tbd *testBlockDevice) ReadSector(index uint64) ([]byte, error) {
	if index != 0 {
		return nil, errors.New("only the boot sector is backed")
	}

	return tbd.bootData, nil
}

func (tbd *testBlockDevice) Size() uint64 {
	return tbd.size
}

func (tbd *testBlockDevice) SectorSize() uint32 {
	return tbd.sectorSize
}

func (tbd *testBlockDevice) DiscardGranularity() uint64 {
	return tbd.discardGranularity
}

func (tbd *testBlockDevice) Discard(startSector, sectorCount uint64) error {
	if tbd.discardErr != nil {
		return tbd.discardErr
	}

	tbd.discards = append(tbd.discards, testDiscardCall{startSector, sectorCount})

	return nil
}

func (tbd *testBlockDevice) InvalidateBlock(deviceBlock uint64) {
	tbd.invalidated = append(tbd.invalidated, deviceBlock)
}

func (tbd *testBlockDevice) Sync() error {
	tbd.syncCount++

	return nil
}

type testObjectHandle struct {
	loader *testObjectLoader

	id   SystemObjectID
	name string

	size            uint64
	validDataLength uint64
	attributes      []Attribute
	extents         []Extent
	data            []byte

	loadSelfErr error
	flushErr    error

	loadedSelf int
	flushed    int
	closed     int
}

func (toh *testObjectHandle) Size() uint64 {
	return toh.size
}

func (toh *testObjectHandle) ValidDataLength() uint64 {
	return toh.validDataLength
}

func (toh *testObjectHandle) FindAttribute(attrType AttrType) *Attribute {
	for i := range toh.attributes {
		if toh.attributes[i].Type == attrType {
			return &toh.attributes[i]
		}
	}

	return nil
}

func (toh *testObjectHandle) Extents() []Extent {
	return toh.extents
}

func (toh *testObjectHandle) ReadPage(pageIndex int) ([]byte, error) {
	offset := pageIndex << pageShift
	if offset >= len(toh.data) {
		return nil, errors.New("page out of range")
	}

	end := offset + pageSize
	if end > len(toh.data) {
		end = len(toh.data)
	}

	return toh.data[offset:end], nil
}

func (toh *testObjectHandle) LoadSelfRecords() error {
	toh.loadedSelf++

	return toh.loadSelfErr
}

func (toh *testObjectHandle) Flush() error {
	toh.flushed++

	return toh.flushErr
}

func (toh *testObjectHandle) Close() error {
	toh.closed++
	toh.loader.openCount--

	return nil
}

type testObjectLoader struct {
	handles  map[SystemObjectID]*testObjectHandle
	failures map[SystemObjectID]error

	loads     []SystemObjectID
	openCount int
}

func newTestObjectLoader() *testObjectLoader {
	return &testObjectLoader{
		handles:  make(map[SystemObjectID]*testObjectHandle),
		failures: make(map[SystemObjectID]error),
	}
}

func (tol *testObjectLoader) add(id SystemObjectID, name string) *testObjectHandle {
	handle := &testObjectHandle{
		loader: tol,
		id:     id,
		name:   name,
	}

	tol.handles[id] = handle

	return handle
}

func (tol *testObjectLoader) LoadSystemObject(id SystemObjectID, expectedName string) (ObjectHandle, error) {
	tol.loads = append(tol.loads, id)

	if err, found := tol.failures[id]; found == true {
		return nil, err
	}

	handle, found := tol.handles[id]
	if found != true {
		return nil, errors.New("object not registered: " + expectedName)
	}

	tol.openCount++

	return handle, nil
}

type testLogReplayer struct {
	needsReplay bool
	err         error

	calls int
}

func (tlr *testLogReplayer) Replay(handle ObjectHandle, vol *Volume) (bool, error) {
	tlr.calls++

	return tlr.needsReplay, tlr.err
}

type testBitmapWindow struct {
	bits     uint64
	freeBits uint64

	closed int
}

func (tbw *testBitmapWindow) Bits() uint64 {
	return tbw.bits
}

func (tbw *testBitmapWindow) FreeBits() uint64 {
	return tbw.freeBits
}

func (tbw *testBitmapWindow) Close() {
	tbw.closed++
}

type testWindowAllocator struct {
	err error

	// freeFraction divides capacity to produce the window's initial free
	// count. Zero means entirely free.
	freeFraction uint64

	windows []*testBitmapWindow
}

func (twa *testWindowAllocator) AllocateWindow(capacityBits uint64, markTailUsed bool) (BitmapWindow, error) {
	if twa.err != nil {
		return nil, twa.err
	}

	freeBits := capacityBits
	if twa.freeFraction != 0 {
		freeBits = capacityBits / twa.freeFraction
	}

	window := &testBitmapWindow{
		bits:     capacityBits,
		freeBits: freeBits,
	}

	twa.windows = append(twa.windows, window)

	return window, nil
}

func utf16leFromString(s string) []byte {
	data := make([]byte, len(s)*2)
	for i := 0; i < len(s); i++ {
		defaultEncoding.PutUint16(data[i*2:], uint16(s[i]))
	}

	return data
}

func appendTestAttrDefEntry(data []byte, label string, attrType AttrType, minSize, maxSize uint64) []byte {
	entry := make([]byte, attrDefEntrySize)

	for i := 0; i < len(label); i++ {
		defaultEncoding.PutUint16(entry[i*2:], uint16(label[i]))
	}

	defaultEncoding.PutUint32(entry[128:], uint32(attrType))
	defaultEncoding.PutUint64(entry[144:], minSize)
	defaultEncoding.PutUint64(entry[152:], maxSize)

	return append(data, entry...)
}

func newTestAttrDefData() []byte {
	data := make([]byte, 0, 8*attrDefEntrySize)

	data = appendTestAttrDefEntry(data, "$STANDARD_INFORMATION", AttrStandardInformation, 48, 72)
	data = appendTestAttrDefEntry(data, "$ATTRIBUTE_LIST", AttrAttributeList, 0, 0)
	data = appendTestAttrDefEntry(data, "$FILE_NAME", AttrFileName, 68, 578)
	data = appendTestAttrDefEntry(data, "$VOLUME_NAME", AttrVolumeName, 2, 256)
	data = appendTestAttrDefEntry(data, "$VOLUME_INFORMATION", AttrVolumeInformation, 12, 12)
	data = appendTestAttrDefEntry(data, "$DATA", AttrData, 0, 0)
	data = appendTestAttrDefEntry(data, "$REPARSE_POINT", AttrReparsePoint, 0, defaultMaxReparseSize)

	return data
}

func newTestUpcaseData() []byte {
	data := make([]byte, upcaseTableSize)

	for i := 0; i < 0x10000; i++ {
		defaultEncoding.PutUint16(data[i*2:], uint16(i))
	}

	for c := 'a'; c <= 'z'; c++ {
		defaultEncoding.PutUint16(data[c*2:], uint16(c)-0x20)
	}

	return data
}

// testMountFixture bundles a consistent set of collaborators describing a
// small, healthy volume.
type testMountFixture struct {
	device   *testBlockDevice
	loader   *testObjectLoader
	replayer *testLogReplayer
	windows  *testWindowAllocator

	volume  *testObjectHandle
	mftmirr *testObjectHandle
	logfile *testObjectHandle
	mft     *testObjectHandle
	badclus *testObjectHandle
	bitmap  *testObjectHandle
	attrdef *testObjectHandle
	upcase  *testObjectHandle
	secure  *testObjectHandle
	extend  *testObjectHandle
	reparse *testObjectHandle
	objid   *testObjectHandle
	root    *testObjectHandle
}

func newTestMountFixture() *testMountFixture {
	fixture := &testMountFixture{
		device:   newTestBlockDevice(packTestBootSector(newTestBootSector())),
		loader:   newTestObjectLoader(),
		replayer: new(testLogReplayer),
		windows:  new(testWindowAllocator),
	}

	fixture.volume = fixture.loader.add(ObjectVolume, "$Volume")
	fixture.volume.attributes = []Attribute{
		{Type: AttrVolumeName, Data: utf16leFromString("sundries")},
		{Type: AttrVolumeInformation, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0, 3, 1, 0, 0}},
	}

	fixture.mftmirr = fixture.loader.add(ObjectMftMirror, "$MFTMirr")
	fixture.mftmirr.size = 4 * 1024

	fixture.logfile = fixture.loader.add(ObjectLogFile, "$LogFile")
	fixture.logfile.size = 2 * 1024 * 1024

	fixture.mft = fixture.loader.add(ObjectMft, "$MFT")
	fixture.mft.size = 64 * 1024
	fixture.mft.validDataLength = 32 * 1024

	fixture.badclus = fixture.loader.add(ObjectBadClus, "$BadClus")
	fixture.badclus.size = testClusterCount << 12
	fixture.badclus.extents = []Extent{
		{Vcn: 0, Clusters: testClusterCount, Sparse: true},
	}

	fixture.bitmap = fixture.loader.add(ObjectBitmap, "$Bitmap")
	fixture.bitmap.size = bitmapByteSize(testClusterCount)

	fixture.attrdef = fixture.loader.add(ObjectAttrDef, "$AttrDef")
	fixture.attrdef.data = newTestAttrDefData()
	fixture.attrdef.size = uint64(len(fixture.attrdef.data))

	fixture.upcase = fixture.loader.add(ObjectUpCase, "$UpCase")
	fixture.upcase.data = newTestUpcaseData()
	fixture.upcase.size = upcaseTableSize

	fixture.secure = fixture.loader.add(ObjectSecure, "$Secure")
	fixture.extend = fixture.loader.add(ObjectExtend, "$Extend")
	fixture.reparse = fixture.loader.add(ObjectExtendReparse, "$Reparse")
	fixture.objid = fixture.loader.add(ObjectExtendObjId, "$ObjId")
	fixture.root = fixture.loader.add(ObjectRoot, ".")

	return fixture
}

func (fixture *testMountFixture) config() MountConfig {
	return MountConfig{
		Device:   fixture.device,
		Loader:   fixture.loader,
		Replayer: fixture.replayer,
		Windows:  fixture.windows,

		// A fresh registry keeps tests independent of each other.
		SharedBuffers: NewSharedBufferRegistry(),
	}
}

func (fixture *testMountFixture) mount() (*Volume, error) {
	return Mount(fixture.config())
}
