package virtualcan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/canspi"
	"github.com/samsamfire/canspi/internal/metrics"
	"github.com/samsamfire/canspi/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus implementation with TCP, used to bridge the controller
// to simulated nodes. This needs a broker server to send CAN frames to all
// connected clients.
// More information : https://github.com/windelbouwman/virtualcan

const (
	effFlag      uint32 = 0x80000000
	rtrFlag      uint32 = 0x40000000
	wireSize            = 14
	writeTimeout        = 10 * time.Millisecond
)

var (
	ErrNoConnection = errors.New("no active connection")
	ErrMalformed    = errors.New("malformed frame from broker")
)

// Larger messages are treated as a desynchronized stream
const maxMessageSize = 64

func init() {
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

// Frame as exchanged with the broker, big endian
type wireFrame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

type Bus struct {
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	listenerMu   sync.RWMutex
	framehandler canspi.FrameListener
	closing      bool
	wg           sync.WaitGroup
	logger       *log.Entry
}

func NewVirtualCanBus(channel string) (canspi.Bus, error) {
	return &Bus{
		channel: channel,
		logger:  log.WithFields(log.Fields{"component": "virtualcan", "channel": channel}),
	}, nil
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame canspi.Frame) ([]byte, error) {
	wire := wireFrame{ID: frame.ID, DLC: frame.DLC, Data: frame.Data}
	if frame.Extended {
		wire.ID |= effFlag
	}
	if frame.RTR {
		wire.ID |= rtrFlag
		wire.Data = [8]byte{}
	}
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, uint32(wireSize))
	err := binary.Write(buffer, binary.BigEndian, wire)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (canspi.Frame, error) {
	var wire wireFrame
	err := binary.Read(bytes.NewReader(buffer), binary.BigEndian, &wire)
	if err != nil {
		return canspi.Frame{}, err
	}
	frame := canspi.Frame{
		ID:       wire.ID &^ (effFlag | rtrFlag),
		Extended: wire.ID&effFlag != 0,
		RTR:      wire.ID&rtrFlag != 0,
		DLC:      wire.DLC,
		Data:     wire.Data,
	}
	if frame.RTR {
		frame.Data = [8]byte{}
	}
	return frame, frame.Validate()
}

// "Connect" to server e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.conn = conn
	b.closing = false
	b.wg.Add(1)
	go b.handleReception(conn)
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.closing = true
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Closing unblocks the reception routine
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame canspi.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	conn, receiveOwn := b.conn, b.receiveOwn
	b.mu.Unlock()
	// Local loopback
	if receiveOwn {
		b.dispatch(frame)
	}
	if conn == nil {
		if receiveOwn {
			return nil
		}
		return ErrNoConnection
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler canspi.FrameListener) error {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.framehandler = framehandler
	return nil
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

// Receive a single CAN frame from the broker
func recv(r io.Reader) (canspi.Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return canspi.Frame{}, err
	}
	if length > maxMessageSize {
		return canspi.Frame{}, fmt.Errorf("error deserializing : message of %v bytes", length)
	}
	frameBytes := make([]byte, length)
	if _, err := io.ReadFull(r, frameBytes); err != nil {
		return canspi.Frame{}, err
	}
	if length != wireSize {
		return canspi.Frame{}, fmt.Errorf("%w : expected %v bytes, got %v", ErrMalformed, wireSize, length)
	}
	frame, err := deserializeFrame(frameBytes)
	if err != nil {
		return canspi.Frame{}, fmt.Errorf("%w : %w", ErrMalformed, err)
	}
	return frame, nil
}

// Handle incoming traffic until the connection is closed
func (b *Bus) handleReception(conn net.Conn) {
	defer b.wg.Done()
	for {
		frame, err := recv(conn)
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.mu.Unlock()
			if closing {
				b.logger.Debug("exiting reception")
				return
			}
			if !errors.Is(err, ErrMalformed) {
				b.logger.WithError(err).Error("listening routine has closed")
				b.dropConnection(conn)
				return
			}
			// The stream is still aligned on the next message
			metrics.IncError(metrics.ErrVirtualCAN)
			b.logger.WithError(err).Warn("dropping malformed frame")
			continue
		}
		b.dispatch(frame)
	}
}

// Forget a connection lost on the broker side so that Send reports it
// and Connect dials again
func (b *Bus) dropConnection(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == conn {
		b.conn = nil
		conn.Close()
	}
}

func (b *Bus) dispatch(frame canspi.Frame) {
	b.listenerMu.RLock()
	handler := b.framehandler
	b.listenerMu.RUnlock()
	if handler != nil {
		handler.Handle(frame)
	}
}
