package fifo

import "github.com/samsamfire/canspi"

// Circular frame Fifo, used to hold frames waiting for a free transmit buffer.
// One slot is always kept empty to tell a full fifo from an empty one.
type Fifo struct {
	buffer   []canspi.Frame
	writePos int
	readPos  int
}

// Create a fifo holding at most size frames
func NewFifo(size int) *Fifo {
	return &Fifo{buffer: make([]canspi.Frame, size+1)}
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Push a frame at the back, returns false when full
func (f *Fifo) Push(frame canspi.Frame) bool {
	writePosNext := f.next(f.writePos)
	if writePosNext == f.readPos {
		return false
	}
	f.buffer[f.writePos] = frame
	f.writePos = writePosNext
	return true
}

// Peek returns the oldest frame without removing it
func (f *Fifo) Peek() (canspi.Frame, bool) {
	if f.readPos == f.writePos {
		return canspi.Frame{}, false
	}
	return f.buffer[f.readPos], true
}

// Pop removes and returns the oldest frame
func (f *Fifo) Pop() (canspi.Frame, bool) {
	frame, ok := f.Peek()
	if ok {
		f.readPos = f.next(f.readPos)
	}
	return frame, ok
}

func (f *Fifo) next(pos int) int {
	pos++
	if pos == len(f.buffer) {
		pos = 0
	}
	return pos
}
