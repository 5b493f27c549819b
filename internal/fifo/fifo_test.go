package fifo

import (
	"testing"

	"github.com/samsamfire/canspi"
	"github.com/stretchr/testify/assert"
)

func TestFifoOrder(t *testing.T) {
	f := NewFifo(3)
	assert.Equal(t, 3, f.GetSpace())
	assert.Equal(t, 0, f.GetOccupied())
	_, ok := f.Pop()
	assert.False(t, ok)

	for id := uint32(1); id <= 3; id++ {
		assert.True(t, f.Push(canspi.Frame{ID: id}))
	}
	assert.False(t, f.Push(canspi.Frame{ID: 4}))
	assert.Equal(t, 0, f.GetSpace())
	assert.Equal(t, 3, f.GetOccupied())

	frame, ok := f.Peek()
	assert.True(t, ok)
	assert.EqualValues(t, 1, frame.ID)
	assert.Equal(t, 3, f.GetOccupied())

	for id := uint32(1); id <= 3; id++ {
		frame, ok := f.Pop()
		assert.True(t, ok)
		assert.Equal(t, id, frame.ID)
	}
	_, ok = f.Pop()
	assert.False(t, ok)
}

func TestFifoWrapAround(t *testing.T) {
	f := NewFifo(2)
	for id := uint32(0); id < 10; id++ {
		assert.True(t, f.Push(canspi.Frame{ID: id}))
		frame, ok := f.Pop()
		assert.True(t, ok)
		assert.Equal(t, id, frame.ID)
	}
	assert.Equal(t, 2, f.GetSpace())
}

func TestFifoReset(t *testing.T) {
	f := NewFifo(4)
	f.Push(canspi.Frame{ID: 1})
	f.Push(canspi.Frame{ID: 2})
	f.Reset()
	assert.Equal(t, 0, f.GetOccupied())
	assert.Equal(t, 4, f.GetSpace())
}
