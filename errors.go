package gsx1280

import (
	"errors"
	"fmt"
)

var (
	ErrBusTimeout           = errors.New("gsx1280: busy line timeout")
	ErrIrqTimeout           = errors.New("gsx1280: irq wait timeout")
	ErrInvalidConfiguration = errors.New("gsx1280: invalid configuration")
	ErrPayloadTooLarge      = errors.New("gsx1280: payload too large")
	ErrEmptyPayload         = errors.New("gsx1280: empty payload")
	ErrTxTimeout            = errors.New("gsx1280: transmit timeout")
	ErrCRC                  = errors.New("gsx1280: crc error")
	ErrRangingTimeout       = errors.New("gsx1280: ranging timeout")
	ErrRangingDiscard       = errors.New("gsx1280: ranging request discarded")
	ErrNotConfigured        = errors.New("gsx1280: radio not configured")
)

// ConfigError reports a configuration field that is out of range.
type ConfigError struct {
	Field string
	Value interface{}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gsx1280: invalid configuration: %s = %v", e.Field, e.Value)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfiguration }

// RecoveryError is returned by the transaction that tripped the busy
// timeout threshold. Err is the outcome of the reset and reconfigure.
type RecoveryError struct {
	Timeouts int
	Err      error
}

func (e *RecoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gsx1280: busy line stuck after %d timeouts, recovery failed: %v", e.Timeouts, e.Err)
	}
	return fmt.Sprintf("gsx1280: busy line stuck after %d timeouts, radio reset", e.Timeouts)
}

func (e *RecoveryError) Is(target error) bool { return target == ErrBusTimeout }

func (e *RecoveryError) Unwrap() error { return e.Err }
