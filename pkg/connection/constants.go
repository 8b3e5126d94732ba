package connection

import (
	"errors"
	"time"
)

const (
	// RequestIDLength size of id sent on WS request
	RequestIDLength = 16
	// CloseMessageCode identifier the message id for a close request
	CloseMessageCode = 1000
	// DefaultTimeout bounds one request when Config.Timeout is unset.
	DefaultTimeout = 30 * time.Second
)

var (
	ErrIDInUse         = errors.New("id already in use")
	ErrClosed          = errors.New("connection closed")
	ErrNotConnected    = errors.New("connection not established")
	ErrInvalidResponse = errors.New("invalid SurrealDB response")
	ErrQuery           = errors.New("error occurred processing the SurrealDB query")
)
