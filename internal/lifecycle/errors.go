package lifecycle

import "errors"

var (
	ErrConfiguration       = errors.New("invalid configuration")
	ErrConnection          = errors.New("connection failed")
	ErrTransientDisconnect = errors.New("connection dropped")
	ErrLoggedOut           = errors.New("logged out")
	ErrRetryExhausted      = errors.New("max retries reached")
	ErrNotConnected        = errors.New("client is not connected")
	ErrPersistence         = errors.New("failed to persist auth state")
)

// Error is an operation failure carrying its cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "whatsapp: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
