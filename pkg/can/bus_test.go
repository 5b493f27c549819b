package can

import (
	"errors"
	"testing"

	"github.com/samsamfire/canspi"
	"github.com/stretchr/testify/assert"
)

type nopBus struct {
	channel string
}

func (b *nopBus) Connect(...any) error                 { return nil }
func (b *nopBus) Disconnect() error                    { return nil }
func (b *nopBus) Send(canspi.Frame) error              { return nil }
func (b *nopBus) Subscribe(canspi.FrameListener) error { return nil }

func TestRegistry(t *testing.T) {
	RegisterInterface("nop", func(channel string) (canspi.Bus, error) {
		return &nopBus{channel: channel}, nil
	})
	RegisterInterface("broken", func(channel string) (canspi.Bus, error) {
		return nil, errors.New("no such device")
	})
	assert.Contains(t, AvailableInterfaces(), "nop")

	bus, err := NewBus("nop", "chan0")
	assert.Nil(t, err)
	assert.Equal(t, "chan0", bus.(*nopBus).channel)

	_, err = NewBus("broken", "chan0")
	assert.NotNil(t, err)

	_, err = NewBus("unknown", "chan0")
	assert.ErrorContains(t, err, "unsupported interface")
}
