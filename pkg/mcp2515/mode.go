package mcp2515

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Mode returns the operating mode reported by CANSTAT
func (d *Device) Mode() (Mode, error) {
	canstat, err := d.ReadRegister(RegCANSTAT)
	if err != nil {
		return 0, err
	}
	return Mode(canstat >> modeShift), nil
}

// SetMode requests a new operating mode and waits for the controller to confirm it.
// Nothing is written when the controller is already in target mode.
// Each attempt writes REQOP, sleeps and reads back OPMOD. The caller is blocked
// for at most retries x delay (1s with the default policy).
func (d *Device) SetMode(target Mode) error {
	if target > ModeConfiguration {
		return fmt.Errorf("%w : %d", ErrUnknownMode, target)
	}
	current, err := d.Mode()
	if err != nil {
		return err
	}
	if current == target {
		return nil
	}
	logger := d.logger.WithField("target", target)
	for attempt := 1; attempt <= d.modeRetries; attempt++ {
		err = d.BitModify(RegCANCTRL, modeMask, byte(target)<<modeShift)
		if err != nil {
			return err
		}
		d.clock.Sleep(d.modeDelay)
		current, err = d.Mode()
		if err != nil {
			return err
		}
		if current == target {
			logger.WithField("attempt", attempt).Debug("mode set")
			return nil
		}
		logger.WithFields(log.Fields{"attempt": attempt, "current": current}).Debug("mode not applied yet, retrying")
		if d.onRetry != nil {
			d.onRetry(target, attempt)
		}
	}
	logger.WithField("current", current).Warnf("failed to set mode after %v attempts", d.modeRetries)
	return &ModeTransitionError{Target: target, Last: current, Attempts: d.modeRetries}
}
