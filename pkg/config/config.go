// Package config loads the controller configuration from an INI file.
//
//	[transport]
//	type   = spidev          ; spidev, buspirate or virtual
//	device = /dev/spidev0.0
//	speed  = 10000000
//	mode   = 0
//	baud   = 115200          ; buspirate only
//
//	[timing]
//	bitrate    = 500000
//	oscillator = 8000000
//	sjw        = 1
//	btlmode    = 1
//	sam        = 0
//	prop_seg   = 0
//	phase_seg1 = 2
//	phase_seg2 = 2
//
//	[controller]
//	mode          = normal
//	poll_interval = 5ms
//	tx_queue      = 64
//	interrupts    = rx0,rx1
//	mode_retries  = 10
//	mode_delay    = 100ms
//
//	[filter.0]
//	id       = 0x123
//	extended = false
//
//	[metrics]
//	listen = :9100
//
// Every key is optional, missing keys keep their default value.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/canspi/pkg/mcp2515"
	"gopkg.in/ini.v1"
)

const (
	TransportSpidev    = "spidev"
	TransportBusPirate = "buspirate"
	TransportVirtual   = "virtual"
)

const (
	DefaultDevice       = "/dev/spidev0.0"
	DefaultPollInterval = 5 * time.Millisecond
	DefaultTxQueue      = 64
)

var ErrInvalidConfig = errors.New("invalid configuration")

var matchFilterRegExp = regexp.MustCompile(`^filter\.([0-9]+)$`)

type TransportConfig struct {
	Type     string
	Device   string
	SpeedHz  uint32
	Mode     uint8
	BaudRate int
}

type ControllerConfig struct {
	Mode         mcp2515.Mode
	PollInterval time.Duration
	TxQueue      int
	Interrupts   mcp2515.Interrupt
	ModeRetries  int
	ModeDelay    time.Duration
}

// An acceptance filter, see [mcp2515.Device.SetFilter]
type FilterConfig struct {
	Index    int
	ID       uint32
	Extended bool
}

type MetricsConfig struct {
	Listen string // empty disables the endpoint
}

type Config struct {
	Transport  TransportConfig
	Timing     mcp2515.BitTimingConfig
	Controller ControllerConfig
	Filters    []FilterConfig
	Metrics    MetricsConfig
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Transport: TransportConfig{Type: TransportSpidev, Device: DefaultDevice},
		Timing:    mcp2515.DefaultBitTiming(),
		Controller: ControllerConfig{
			Mode:         mcp2515.ModeNormal,
			PollInterval: DefaultPollInterval,
			TxQueue:      DefaultTxQueue,
			ModeRetries:  mcp2515.DefaultModeRetries,
			ModeDelay:    mcp2515.DefaultModeDelay,
		},
	}
}

// Load a configuration file.
// source can be either a path or an *os.File or []byte, like [ini.Load]
func Load(source any) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	for _, parse := range []func(*ini.File) error{
		cfg.parseTransport,
		cfg.parseTiming,
		cfg.parseController,
		cfg.parseFilters,
		cfg.parseMetrics,
	} {
		if err := parse(file); err != nil {
			return nil, err
		}
	}
	// Validated here so that a bad file is reported before opening anything
	if _, err := cfg.Timing.Registers(); err != nil {
		return nil, fmt.Errorf("%w : [timing] %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func (cfg *Config) parseTransport(file *ini.File) error {
	section := file.Section("transport")
	t := &cfg.Transport
	t.Type = strings.ToLower(section.Key("type").MustString(t.Type))
	switch t.Type {
	case TransportSpidev, TransportBusPirate, TransportVirtual:
	default:
		return fmt.Errorf("%w : [transport] unknown type %q", ErrInvalidConfig, t.Type)
	}
	t.Device = section.Key("device").MustString(t.Device)
	speed, err := parseUint(section, "speed", 32, uint64(t.SpeedHz))
	if err != nil {
		return err
	}
	mode, err := parseUint(section, "mode", 2, uint64(t.Mode))
	if err != nil {
		return err
	}
	baud, err := parseUint(section, "baud", 32, uint64(t.BaudRate))
	if err != nil {
		return err
	}
	t.SpeedHz, t.Mode, t.BaudRate = uint32(speed), uint8(mode), int(baud)
	return nil
}

func (cfg *Config) parseTiming(file *ini.File) error {
	section := file.Section("timing")
	timing := &cfg.Timing
	bitrate, err := parseUint(section, "bitrate", 32, uint64(timing.BitRate))
	if err != nil {
		return err
	}
	oscillator, err := parseUint(section, "oscillator", 32, uint64(timing.OscillatorFreq))
	if err != nil {
		return err
	}
	timing.BitRate, timing.OscillatorFreq = uint32(bitrate), uint32(oscillator)
	for _, field := range []struct {
		key   string
		value *uint8
	}{
		{"sjw", &timing.SJW},
		{"btlmode", &timing.BTLMode},
		{"sam", &timing.SAM},
		{"prop_seg", &timing.PropSeg},
		{"phase_seg1", &timing.PhaseSeg1},
		{"phase_seg2", &timing.PhaseSeg2},
	} {
		value, err := parseUint(section, field.key, 8, uint64(*field.value))
		if err != nil {
			return err
		}
		*field.value = uint8(value)
	}
	return nil
}

func (cfg *Config) parseController(file *ini.File) error {
	section := file.Section("controller")
	c := &cfg.Controller
	if section.HasKey("mode") {
		mode, err := mcp2515.ParseMode(section.Key("mode").String())
		if err != nil {
			return fmt.Errorf("%w : [controller] %w", ErrInvalidConfig, err)
		}
		c.Mode = mode
	}
	var err error
	if c.PollInterval, err = parseDuration(section, "poll_interval", c.PollInterval); err != nil {
		return err
	}
	if c.ModeDelay, err = parseDuration(section, "mode_delay", c.ModeDelay); err != nil {
		return err
	}
	queue, err := parseUint(section, "tx_queue", 16, uint64(c.TxQueue))
	if err != nil {
		return err
	}
	retries, err := parseUint(section, "mode_retries", 16, uint64(c.ModeRetries))
	if err != nil {
		return err
	}
	if retries == 0 {
		return fmt.Errorf("%w : [controller] mode_retries must be at least 1", ErrInvalidConfig)
	}
	c.TxQueue, c.ModeRetries = int(queue), int(retries)
	if section.HasKey("interrupts") {
		c.Interrupts, err = mcp2515.ParseInterrupts(section.Key("interrupts").Strings(","))
		if err != nil {
			return fmt.Errorf("%w : [controller] %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (cfg *Config) parseFilters(file *ini.File) error {
	for _, section := range file.Sections() {
		match := matchFilterRegExp.FindStringSubmatch(section.Name())
		if match == nil {
			continue
		}
		index, err := strconv.Atoi(match[1])
		if err != nil || index > 5 {
			return fmt.Errorf("%w : [%v] filter index must be 0 to 5", ErrInvalidConfig, section.Name())
		}
		if !section.HasKey("id") {
			return fmt.Errorf("%w : [%v] missing id", ErrInvalidConfig, section.Name())
		}
		extended := false
		if section.HasKey("extended") {
			extended, err = section.Key("extended").Bool()
			if err != nil {
				return fmt.Errorf("%w : [%v] extended : %w", ErrInvalidConfig, section.Name(), err)
			}
		}
		bits := 11
		if extended {
			bits = 29
		}
		id, err := parseUint(section, "id", bits, 0)
		if err != nil {
			return err
		}
		cfg.Filters = append(cfg.Filters, FilterConfig{Index: index, ID: uint32(id), Extended: extended})
	}
	return nil
}

func (cfg *Config) parseMetrics(file *ini.File) error {
	cfg.Metrics.Listen = file.Section("metrics").Key("listen").MustString(cfg.Metrics.Listen)
	return nil
}

// Options of the mcp2515 device derived from the controller section
func (cfg *Config) DeviceOptions() []mcp2515.Option {
	return []mcp2515.Option{mcp2515.WithModePolicy(cfg.Controller.ModeRetries, cfg.Controller.ModeDelay)}
}

// Unsigned value of at most bits bits, decimal or 0x prefixed hexadecimal
func parseUint(section *ini.Section, key string, bits int, def uint64) (uint64, error) {
	if !section.HasKey(key) {
		return def, nil
	}
	value, err := strconv.ParseUint(strings.TrimSpace(section.Key(key).Value()), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w : [%v] %v : %w", ErrInvalidConfig, section.Name(), key, err)
	}
	return value, nil
}

func parseDuration(section *ini.Section, key string, def time.Duration) (time.Duration, error) {
	if !section.HasKey(key) {
		return def, nil
	}
	value, err := section.Key(key).Duration()
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w : [%v] %v must be a duration like 100ms", ErrInvalidConfig, section.Name(), key)
	}
	return value, nil
}
