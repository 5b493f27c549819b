package mcp2515

import (
	"testing"
	"time"

	"github.com/samsamfire/canspi/pkg/spi/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetModeAlreadyInTarget(t *testing.T) {
	dev, chip, clock := createNormalDevice(t)
	assert.Nil(t, dev.SetMode(ModeNormal))
	assert.Equal(t, 0, chip.Count(OpBitModify))
	assert.Len(t, chip.Transactions(), 1)
	assert.Empty(t, clock.sleeps)
}

func TestSetModeWithLatency(t *testing.T) {
	dev, chip, clock := createNormalDevice(t)
	chip.SetModeLatency(3)
	err := dev.SetMode(ModeConfiguration)
	assert.Nil(t, err)
	assert.EqualValues(t, ModeConfiguration, chip.OperatingMode())
	assert.Equal(t, 4, chip.Count(OpBitModify))
	assert.Len(t, clock.sleeps, 4)
	for _, d := range clock.sleeps {
		assert.Equal(t, DefaultModeDelay, d)
	}
}

func TestSetModeExhaustsRetries(t *testing.T) {
	dev, chip, clock := createNormalDevice(t)
	chip.SetModeStuck(true)
	err := dev.SetMode(ModeConfiguration)
	assert.ErrorIs(t, err, ErrModeTransition)
	var modeErr *ModeTransitionError
	require.ErrorAs(t, err, &modeErr)
	assert.Equal(t, ModeConfiguration, modeErr.Target)
	assert.Equal(t, ModeNormal, modeErr.Last)
	assert.Equal(t, DefaultModeRetries, modeErr.Attempts)
	assert.Equal(t, DefaultModeRetries, chip.Count(OpBitModify))
	assert.Len(t, clock.sleeps, DefaultModeRetries)
}

func TestSetModePolicy(t *testing.T) {
	chip := virtual.NewChip()
	clock := &fakeClock{}
	dev := New(chip, WithClock(clock), WithLogger(quietLogger()), WithModePolicy(3, 5*time.Millisecond))
	require.Nil(t, dev.Init(DefaultBitTiming()))
	clock.sleeps = nil

	chip.SetModeStuck(true)
	err := dev.SetMode(ModeSleep)
	var modeErr *ModeTransitionError
	require.ErrorAs(t, err, &modeErr)
	assert.Equal(t, 3, modeErr.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}, clock.sleeps)
}

func TestSetModeUnknown(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	err := dev.SetMode(Mode(5))
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Empty(t, chip.Transactions())
}

func TestModeReadBack(t *testing.T) {
	dev, _, _ := createNormalDevice(t)
	for _, mode := range []Mode{ModeLoopback, ModeListenOnly, ModeSleep, ModeConfiguration, ModeNormal} {
		require.Nil(t, dev.SetMode(mode))
		current, err := dev.Mode()
		assert.Nil(t, err)
		assert.Equal(t, mode, current)
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{ModeNormal, ModeSleep, ModeLoopback, ModeListenOnly, ModeConfiguration} {
		parsed, err := ParseMode(mode.String())
		assert.Nil(t, err)
		assert.Equal(t, mode, parsed)
	}
	parsed, err := ParseMode("loopback")
	assert.Nil(t, err)
	assert.Equal(t, ModeLoopback, parsed)
	_, err = ParseMode("turbo")
	assert.NotNil(t, err)
	assert.Equal(t, "UNKNOWN(6)", Mode(6).String())
}

func TestSetModeRetryHook(t *testing.T) {
	chip := virtual.NewChip()
	var retries []int
	dev := New(chip, WithClock(&fakeClock{}), WithLogger(quietLogger()), WithModeRetryHook(func(target Mode, attempt int) {
		assert.Equal(t, ModeLoopback, target)
		retries = append(retries, attempt)
	}))
	require.Nil(t, dev.Init(DefaultBitTiming()))
	retries = nil

	chip.SetModeLatency(3)
	require.Nil(t, dev.SetMode(ModeLoopback))
	assert.Equal(t, []int{1, 2, 3}, retries)

	// Already in target, nothing requested
	retries = nil
	require.Nil(t, dev.SetMode(ModeLoopback))
	assert.Empty(t, retries)
}
