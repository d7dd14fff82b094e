package protocol

import "errors"

var (
	ErrProtocol = errors.New("protocol error")
	ErrDaemon   = errors.New("daemon error")
	ErrConnect  = errors.New("cannot connect to daemon")
)
