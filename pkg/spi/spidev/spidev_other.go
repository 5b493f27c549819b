//go:build !linux

package spidev

import (
	"errors"
)

var ErrUnsupported = errors.New("spidev is only available on linux")

type Transport struct{}

func Open(config Config) (*Transport, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (t *Transport) Select() error        { return ErrUnsupported }
func (t *Transport) Deselect() error      { return ErrUnsupported }
func (t *Transport) Write(_ []byte) error { return ErrUnsupported }
func (t *Transport) Read(_ []byte) error  { return ErrUnsupported }
func (t *Transport) Close() error         { return ErrUnsupported }
