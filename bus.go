package canspi

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// FrameListenerFunc adapts a plain function to [FrameListener]
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) {
	f(frame)
}
