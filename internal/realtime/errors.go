package realtime

import "errors"

var (
	ErrNotOpen       = errors.New("socket not open")
	ErrClosed        = errors.New("client closed")
	ErrNicknameTaken = errors.New("nickname already in use")
	ErrEmptyNickname = errors.New("nickname is empty")
	ErrEmptyPayload  = errors.New("voice payload is empty")
	ErrNotFailed     = errors.New("message has not failed")
	ErrInvalidID     = errors.New("invalid message id")
)
