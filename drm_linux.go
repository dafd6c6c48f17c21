//go:build linux && (amd64 || arm64)

package player

import (
	"fmt"
	"log"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM mode-setting ABI, from drm/drm.h and drm/drm_mode.h.

type drmModeCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFBs        uint32
	countCRTCs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type drmModeInfo struct {
	clock      uint32
	hdisplay   uint16
	hsyncStart uint16
	hsyncEnd   uint16
	htotal     uint16
	hskew      uint16
	vdisplay   uint16
	vsyncStart uint16
	vsyncEnd   uint16
	vtotal     uint16
	vscan      uint16
	vrefresh   uint32
	flags      uint32
	typ        uint32
	name       [32]byte
}

type drmModeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

type drmModeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type drmModeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             drmModeInfo
}

type drmModeFBCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	_           [4]byte
	modifier    [4]uint64
}

type drmPrimeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

type drmGemClose struct {
	handle uint32
	pad    uint32
}

var (
	_ [64]byte  = [unsafe.Sizeof(drmModeCardRes{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(drmModeInfo{})]byte{}
	_ [80]byte  = [unsafe.Sizeof(drmModeGetConnector{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(drmModeGetEncoder{})]byte{}
	_ [104]byte = [unsafe.Sizeof(drmModeCrtc{})]byte{}
	_ [104]byte = [unsafe.Sizeof(drmModeFBCmd2{})]byte{}
	_ [12]byte  = [unsafe.Sizeof(drmPrimeHandle{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(drmGemClose{})]byte{}
)

// DRM ioctl request codes ('d' command set).
var (
	drmIoctlGemClose         = ioW('d', 0x09, unsafe.Sizeof(drmGemClose{}))
	drmIoctlPrimeFDToHandle  = ioWR('d', 0x2e, unsafe.Sizeof(drmPrimeHandle{}))
	drmIoctlModeGetResources = ioWR('d', 0xa0, unsafe.Sizeof(drmModeCardRes{}))
	drmIoctlModeGetCrtc      = ioWR('d', 0xa1, unsafe.Sizeof(drmModeCrtc{}))
	drmIoctlModeSetCrtc      = ioWR('d', 0xa2, unsafe.Sizeof(drmModeCrtc{}))
	drmIoctlModeGetEncoder   = ioWR('d', 0xa6, unsafe.Sizeof(drmModeGetEncoder{}))
	drmIoctlModeGetConnector = ioWR('d', 0xa7, unsafe.Sizeof(drmModeGetConnector{}))
	drmIoctlModeRmFB         = ioWR('d', 0xaf, 4)
	drmIoctlModeAddFB2       = ioWR('d', 0xb8, unsafe.Sizeof(drmModeFBCmd2{}))
)

const (
	drmModeConnected = 1
	drmMaxCards      = 4
)

// drmFramebuffer is one imported zero-copy buffer: the decoder's
// dmabuf fd, the GEM handle obtained from it, and the framebuffer
// bound to that handle. The fd itself stays owned by the buffer pool.
type drmFramebuffer struct {
	dmaFD  int
	fbID   uint32
	handle uint32
}

// DRMDisplay owns a kernel mode-setting device exclusively and scans
// decoder output buffers out without copying. It implements Display.
type DRMDisplay struct {
	fd   int
	path string

	connectorID uint32
	crtcID      uint32
	mode        drmModeInfo

	width  uint32
	height uint32

	framebuffers []drmFramebuffer

	frames      uint64
	lastLatency time.Duration
}

// NewDRMDisplay opens the first mode-setting-capable card, binds the
// first connected connector (preferring a 1920x1080 mode) and its
// encoder/CRTC chain, ready to import w x h decoder buffers.
func NewDRMDisplay(width, height uint32) (*DRMDisplay, error) {
	d := &DRMDisplay{fd: -1, width: width, height: height}

	for card := 0; card < drmMaxCards; card++ {
		path := fmt.Sprintf("/dev/dri/card%d", card)
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			continue
		}
		// A render-only node has no mode-setting resources.
		var res drmModeCardRes
		if err := ioctl(fd, drmIoctlModeGetResources, unsafe.Pointer(&res)); err != nil {
			unix.Close(fd)
			continue
		}
		d.fd = fd
		d.path = path
		break
	}
	if d.fd < 0 {
		return nil, fmt.Errorf("%w: no mode-setting DRM device found", ErrDeviceUnavailable)
	}

	if err := d.bindOutput(); err != nil {
		d.Close()
		return nil, err
	}

	log.Printf("drm: %s bound to connector %d crtc %d mode %dx%d@%d",
		d.path, d.connectorID, d.crtcID, d.mode.hdisplay, d.mode.vdisplay, d.mode.vrefresh)
	return d, nil
}

// getResources performs the two-call enumeration of the card's
// connector and CRTC id arrays.
func (d *DRMDisplay) getResources() (connectors, crtcs, encoders []uint32, err error) {
	for {
		var res drmModeCardRes
		if err := ioctl(d.fd, drmIoctlModeGetResources, unsafe.Pointer(&res)); err != nil {
			return nil, nil, nil, fmt.Errorf("get resources: %w", err)
		}

		connectors = make([]uint32, res.countConnectors)
		crtcs = make([]uint32, res.countCRTCs)
		encoders = make([]uint32, res.countEncoders)

		want := res
		if len(connectors) > 0 {
			res.connectorIDPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
		}
		if len(crtcs) > 0 {
			res.crtcIDPtr = uint64(uintptr(unsafe.Pointer(&crtcs[0])))
		}
		if len(encoders) > 0 {
			res.encoderIDPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
		}

		err := ioctl(d.fd, drmIoctlModeGetResources, unsafe.Pointer(&res))
		runtime.KeepAlive(connectors)
		runtime.KeepAlive(crtcs)
		runtime.KeepAlive(encoders)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("get resources: %w", err)
		}
		// A hotplug between the two calls can grow the arrays; retry.
		if res.countConnectors > want.countConnectors ||
			res.countCRTCs > want.countCRTCs ||
			res.countEncoders > want.countEncoders {
			continue
		}
		connectors = connectors[:res.countConnectors]
		crtcs = crtcs[:res.countCRTCs]
		encoders = encoders[:res.countEncoders]
		return connectors, crtcs, encoders, nil
	}
}

// getConnector fetches one connector's state and mode list.
func (d *DRMDisplay) getConnector(id uint32) (drmModeGetConnector, []drmModeInfo, error) {
	conn := drmModeGetConnector{connectorID: id}
	if err := ioctl(d.fd, drmIoctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return conn, nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	if conn.countModes == 0 {
		return conn, nil, nil
	}

	modes := make([]drmModeInfo, conn.countModes)
	conn = drmModeGetConnector{
		connectorID: id,
		countModes:  uint32(len(modes)),
		modesPtr:    uint64(uintptr(unsafe.Pointer(&modes[0]))),
	}
	err := ioctl(d.fd, drmIoctlModeGetConnector, unsafe.Pointer(&conn))
	runtime.KeepAlive(modes)
	if err != nil {
		return conn, nil, fmt.Errorf("get connector %d modes: %w", id, err)
	}
	if int(conn.countModes) < len(modes) {
		modes = modes[:conn.countModes]
	}
	return conn, modes, nil
}

// bindOutput picks connector, mode, encoder and CRTC.
func (d *DRMDisplay) bindOutput() error {
	connectors, crtcs, encoders, err := d.getResources()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	var conn drmModeGetConnector
	var modes []drmModeInfo
	found := false
	for _, id := range connectors {
		c, m, err := d.getConnector(id)
		if err != nil {
			log.Printf("drm: %v", err)
			continue
		}
		if c.connection == drmModeConnected && len(m) > 0 {
			conn, modes = c, m
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: no connected display", ErrDeviceUnavailable)
	}
	d.connectorID = conn.connectorID

	// Prefer 1080p; fall back to the connector's first (preferred) mode.
	d.mode = modes[0]
	for _, m := range modes {
		if m.hdisplay == 1920 && m.vdisplay == 1080 {
			d.mode = m
			break
		}
	}

	// Encoder: the connector's current one, else the first that resolves.
	var enc drmModeGetEncoder
	haveEnc := false
	if conn.encoderID != 0 {
		e := drmModeGetEncoder{encoderID: conn.encoderID}
		if err := ioctl(d.fd, drmIoctlModeGetEncoder, unsafe.Pointer(&e)); err == nil {
			enc = e
			haveEnc = true
		}
	}
	if !haveEnc {
		for _, id := range encoders {
			e := drmModeGetEncoder{encoderID: id}
			if err := ioctl(d.fd, drmIoctlModeGetEncoder, unsafe.Pointer(&e)); err == nil {
				enc = e
				haveEnc = true
				break
			}
		}
	}
	if !haveEnc {
		return fmt.Errorf("%w: no usable encoder", ErrDeviceUnavailable)
	}

	// CRTC: the encoder's active one, else the first acquirable CRTC in
	// its possible mask.
	if enc.crtcID != 0 {
		d.crtcID = enc.crtcID
		return nil
	}
	for i, id := range crtcs {
		if enc.possibleCrtcs&(1<<uint(i)) == 0 {
			continue
		}
		crtc := drmModeCrtc{crtcID: id}
		if err := ioctl(d.fd, drmIoctlModeGetCrtc, unsafe.Pointer(&crtc)); err == nil {
			d.crtcID = id
			return nil
		}
	}
	return fmt.Errorf("%w: no usable CRTC", ErrDeviceUnavailable)
}

// SetupZeroCopyBuffer imports one decoder dmabuf as a planar YUV420
// framebuffer: three planes sharing one GEM handle at computed
// offsets. Re-importing a cached fd is an idempotent success.
func (d *DRMDisplay) SetupZeroCopyBuffer(fd int, width, height uint32) error {
	if err := validateImport(fd, width, height); err != nil {
		return err
	}
	for _, fb := range d.framebuffers {
		if fb.dmaFD == fd {
			return nil
		}
	}

	prime := drmPrimeHandle{fd: int32(fd)}
	if err := ioctl(d.fd, drmIoctlPrimeFDToHandle, unsafe.Pointer(&prime)); err != nil {
		return fmt.Errorf("%w: prime import of fd %d: %v", ErrDisplayImportFailed, fd, err)
	}

	layout, err := i420Layout(width, height)
	if err != nil {
		d.closeHandle(prime.handle)
		return err
	}

	cmd := drmModeFBCmd2{
		width:       width,
		height:      height,
		pixelFormat: PixelFormatI420.FourCC(),
		handles:     [4]uint32{prime.handle, prime.handle, prime.handle, 0},
		pitches:     layout.pitches,
		offsets:     layout.offsets,
	}
	if err := ioctl(d.fd, drmIoctlModeAddFB2, unsafe.Pointer(&cmd)); err != nil {
		d.closeHandle(prime.handle)
		return fmt.Errorf("%w: add YUV420 framebuffer: %v", ErrDisplayImportFailed, err)
	}

	d.framebuffers = append(d.framebuffers, drmFramebuffer{
		dmaFD:  fd,
		fbID:   cmd.fbID,
		handle: prime.handle,
	})
	log.Printf("drm: imported dmabuf fd %d as framebuffer %d", fd, cmd.fbID)
	return nil
}

// DisplayFrame mode-sets the bound CRTC to scan out the framebuffer
// imported for the frame's dmabuf fd.
func (d *DRMDisplay) DisplayFrame(frame FrameInfo) error {
	if !frame.IsDMABuf || frame.DMABufFD < 0 {
		return fmt.Errorf("%w: frame is not dmabuf backed", ErrDisplayPresentFailed)
	}

	var fb *drmFramebuffer
	for i := range d.framebuffers {
		if d.framebuffers[i].dmaFD == frame.DMABufFD {
			fb = &d.framebuffers[i]
			break
		}
	}
	if fb == nil {
		return fmt.Errorf("%w: no framebuffer for dmabuf fd %d", ErrDisplayPresentFailed, frame.DMABufFD)
	}

	start := time.Now()

	connector := d.connectorID
	crtc := drmModeCrtc{
		setConnectorsPtr: uint64(uintptr(unsafe.Pointer(&connector))),
		countConnectors:  1,
		crtcID:           d.crtcID,
		fbID:             fb.fbID,
		modeValid:        1,
		mode:             d.mode,
	}
	err := ioctl(d.fd, drmIoctlModeSetCrtc, unsafe.Pointer(&crtc))
	runtime.KeepAlive(&connector)
	if err != nil {
		return fmt.Errorf("%w: mode-set: %v", ErrDisplayPresentFailed, err)
	}

	d.lastLatency = time.Since(start)
	d.frames++
	if d.frames == 1 || d.frames%300 == 0 {
		log.Printf("drm: frame %d presented in %v", d.frames, d.lastLatency)
	}
	return nil
}

// Info describes the bound output.
func (d *DRMDisplay) Info() string {
	return fmt.Sprintf("DRM/KMS zero-copy %dx%d@%dHz on %s",
		d.mode.hdisplay, d.mode.vdisplay, d.mode.vrefresh, d.path)
}

// ReleaseZeroCopyBuffers removes every cached framebuffer and closes
// every imported handle. The underlying dmabuf fds belong to the
// buffer pool and are left open.
func (d *DRMDisplay) ReleaseZeroCopyBuffers() {
	for _, fb := range d.framebuffers {
		if fb.fbID != 0 {
			id := fb.fbID
			if err := ioctl(d.fd, drmIoctlModeRmFB, unsafe.Pointer(&id)); err != nil {
				log.Printf("drm: remove framebuffer %d: %v", fb.fbID, err)
			}
		}
		if fb.handle != 0 {
			d.closeHandle(fb.handle)
		}
	}
	d.framebuffers = nil
}

// Close drops the framebuffer cache, then the device.
func (d *DRMDisplay) Close() error {
	d.ReleaseZeroCopyBuffers()

	if d.fd >= 0 {
		if err := unix.Close(d.fd); err != nil {
			log.Printf("drm: close %s: %v", d.path, err)
		}
		d.fd = -1
	}
	return nil
}

func (d *DRMDisplay) closeHandle(handle uint32) {
	req := drmGemClose{handle: handle}
	if err := ioctl(d.fd, drmIoctlGemClose, unsafe.Pointer(&req)); err != nil {
		log.Printf("drm: close gem handle %d: %v", handle, err)
	}
}
