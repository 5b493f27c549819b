package socketcan

import (
	"sync"

	sockcan "github.com/brutella/can"
	"github.com/samsamfire/canspi"
	"github.com/samsamfire/canspi/internal/metrics"
	"github.com/samsamfire/canspi/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can
// Used as the other end of a bridge, e.g. to expose the controller as vcan0.

// Flags carried in the upper bits of a SocketCAN identifier
const (
	effFlag uint32 = 0x80000000
	rtrFlag uint32 = 0x40000000
	errFlag uint32 = 0x20000000
)

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	mu         sync.RWMutex
	rxCallback canspi.FrameListener
	logger     *log.Entry
}

func NewSocketCanBus(name string) (canspi.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus, logger: log.WithFields(log.Fields{"component": "socketcan", "channel": name})}, nil
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			socketcan.logger.WithError(err).Info("exiting CAN bus reception")
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame canspi.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	return socketcan.bus.Publish(toSocketCAN(frame))
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback canspi.FrameListener) error {
	socketcan.mu.Lock()
	first := socketcan.rxCallback == nil
	socketcan.rxCallback = rxCallback
	socketcan.mu.Unlock()
	// brutella/can defines a "Handle" interface for handling received CAN frames
	if first {
		socketcan.bus.Subscribe(socketcan)
	}
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	converted, ok := fromSocketCAN(frame)
	if !ok {
		metrics.IncError(metrics.ErrSocketCAN)
		return
	}
	socketcan.mu.RLock()
	callback := socketcan.rxCallback
	socketcan.mu.RUnlock()
	if callback != nil {
		callback.Handle(converted)
	}
}

func toSocketCAN(frame canspi.Frame) sockcan.Frame {
	id := frame.ID
	if frame.Extended {
		id |= effFlag
	}
	if frame.RTR {
		id |= rtrFlag
	}
	return sockcan.Frame{ID: id, Length: frame.DLC, Data: frame.Data}
}

// Error frames have no equivalent on the controller side and are rejected
func fromSocketCAN(frame sockcan.Frame) (canspi.Frame, bool) {
	if frame.ID&errFlag != 0 || frame.Length > canspi.MaxDataLength {
		return canspi.Frame{}, false
	}
	converted := canspi.Frame{
		Extended: frame.ID&effFlag != 0,
		RTR:      frame.ID&rtrFlag != 0,
		DLC:      frame.Length,
		Data:     frame.Data,
	}
	if converted.Extended {
		converted.ID = frame.ID & canspi.MaxExtendedID
	} else {
		converted.ID = frame.ID & canspi.MaxStandardID
	}
	if converted.RTR {
		converted.Data = [8]byte{}
	}
	return converted, true
}
