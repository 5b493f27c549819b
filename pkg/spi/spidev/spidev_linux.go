//go:build linux

package spidev

import (
	"fmt"
	"runtime"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ioctl requests from linux/spi/spidev.h
const (
	spiIocMagic          = 'k'
	spiIocWrMode         = 0x40016B01
	spiIocWrBitsPerWord  = 0x40016B03
	spiIocWrMaxSpeedHz   = 0x40046B04
	spiIocWrite          = 0x40000000
	spiIocSizeShift      = 16
	spiIocTransferLength = 32
)

// struct spi_ioc_transfer
type transfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// SPI_IOC_MESSAGE(n)
func messageRequest(n int) uintptr {
	return uintptr(spiIocWrite | (n*spiIocTransferLength)<<spiIocSizeShift | spiIocMagic<<8)
}

type Transport struct {
	fd       int
	config   Config
	logger   *log.Entry
	selected bool
	held     bool // chip select kept asserted by the previous ioctl
	pending  []segment
	xfers    []transfer
}

// Open a spidev device and apply mode, word size and clock speed
func Open(config Config) (*Transport, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	fd, err := unix.Open(config.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %v : %w", config.Device, err)
	}
	t := &Transport{
		fd:     fd,
		config: config,
		logger: log.WithFields(log.Fields{"component": "spidev", "device": config.Device}),
	}
	mode, bits, speed := config.Mode, config.BitsPerWord, config.SpeedHz
	for _, setting := range []struct {
		request uintptr
		arg     unsafe.Pointer
		name    string
	}{
		{spiIocWrMode, unsafe.Pointer(&mode), "mode"},
		{spiIocWrBitsPerWord, unsafe.Pointer(&bits), "bits per word"},
		{spiIocWrMaxSpeedHz, unsafe.Pointer(&speed), "speed"},
	} {
		if err := t.ioctl(setting.request, setting.arg); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set spi %v : %w", setting.name, err)
		}
	}
	t.logger.WithFields(log.Fields{"speed": speed, "mode": mode}).Info("opened spi device")
	return t, nil
}

func (t *Transport) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// "Select" implementation of spi.Transport
func (t *Transport) Select() error {
	if t.selected {
		return ErrSelected
	}
	t.selected = true
	t.pending = t.pending[:0]
	return nil
}

// "Write" implementation of spi.Transport
func (t *Transport) Write(data []byte) error {
	if !t.selected {
		return ErrNotSelected
	}
	if len(data) > 0 {
		t.pending = append(t.pending, segment{tx: append([]byte(nil), data...)})
	}
	return nil
}

// "Read" implementation of spi.Transport, clocks out zeros
func (t *Transport) Read(buf []byte) error {
	if !t.selected {
		return ErrNotSelected
	}
	if len(buf) == 0 {
		return nil
	}
	t.pending = append(t.pending, segment{tx: make([]byte, len(buf)), rx: buf})
	return t.flush(true)
}

// "Deselect" implementation of spi.Transport
func (t *Transport) Deselect() error {
	if !t.selected {
		return ErrNotSelected
	}
	t.selected = false
	if len(t.pending) == 0 && !t.held {
		return nil
	}
	if len(t.pending) == 0 {
		// Zero length transfer, only releases chip select
		t.pending = append(t.pending, segment{})
	}
	return t.flush(false)
}

// "Close" implementation of spi.Transport
func (t *Transport) Close() error {
	t.logger.Info("closing spi device")
	return unix.Close(t.fd)
}

// Submit every pending segment as one message
func (t *Transport) flush(hold bool) error {
	t.xfers = t.xfers[:0]
	for _, seg := range t.pending {
		xfer := transfer{
			length:      uint32(len(seg.tx)),
			speedHz:     t.config.SpeedHz,
			bitsPerWord: t.config.BitsPerWord,
		}
		if len(seg.tx) > 0 {
			xfer.txBuf = uint64(uintptr(unsafe.Pointer(&seg.tx[0])))
		}
		if len(seg.rx) > 0 {
			xfer.rxBuf = uint64(uintptr(unsafe.Pointer(&seg.rx[0])))
		}
		t.xfers = append(t.xfers, xfer)
	}
	if hold {
		t.xfers[len(t.xfers)-1].csChange = 1
	}
	err := t.ioctl(messageRequest(len(t.xfers)), unsafe.Pointer(&t.xfers[0]))
	runtime.KeepAlive(t.pending)
	t.pending = t.pending[:0]
	t.held = hold
	if err != nil {
		return fmt.Errorf("spi message failed : %w", err)
	}
	return nil
}
