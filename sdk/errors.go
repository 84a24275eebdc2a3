package sdk

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a sync is requested while another one is running
var ErrBusy = errors.New("sync already running")

// ConfigError is returned for a missing or invalid configuration value
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Message)
}

// NewConfigError returns a ConfigError for key
func NewConfigError(key string, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// SourceError is returned when the data source cannot be reached or queried
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return "source error: " + e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned once every delivery attempt for a batch has failed
type DeliveryError struct {
	Attempts   int
	StatusCode int // 0 if the last attempt failed at the transport level
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		if e.Body != "" {
			return fmt.Sprintf("delivery failed after %d attempts. status: %d, response: %s", e.Attempts, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("delivery failed after %d attempts. status: %d", e.Attempts, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("delivery failed after %d attempts: %s", e.Attempts, e.Err)
	}
	return fmt.Sprintf("delivery failed after %d attempts", e.Attempts)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// SerializationError is returned when a value cannot be converted to a transport safe form
type SerializationError struct {
	Column string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("error serializing column %q: %s", e.Column, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsConfigError returns true if err is or wraps a ConfigError
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// IsSourceError returns true if err is or wraps a SourceError
func IsSourceError(err error) bool {
	var e *SourceError
	return errors.As(err, &e)
}

// IsDeliveryError returns true if err is or wraps a DeliveryError
func IsDeliveryError(err error) bool {
	var e *DeliveryError
	return errors.As(err, &e)
}

// IsSerializationError returns true if err is or wraps a SerializationError
func IsSerializationError(err error) bool {
	var e *SerializationError
	return errors.As(err, &e)
}
