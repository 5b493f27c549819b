package canspi

import "errors"

var (
	ErrIdentifierRange = errors.New("identifier does not fit its declared width")
	ErrDataLength      = errors.New("payload longer than 8 bytes")
	ErrFrameSyntax     = errors.New("malformed frame notation, expected <id>#<data>")
	ErrNotConnected    = errors.New("bus is not connected")
)
