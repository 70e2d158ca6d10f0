package history

import "errors"

var (
	ErrDisabled         = errors.New("influxdb history disabled")
	ErrConnectionFailed = errors.New("influxdb connection failed")
)
