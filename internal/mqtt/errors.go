package mqtt

import "errors"

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrTimeout          = errors.New("mqtt: operation timed out")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
)
