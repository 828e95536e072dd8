package intent

import "errors"

var (
	ErrInvalidOrder    = errors.New("invalid order")
	ErrDecode          = errors.New("decode error")
	ErrPayloadTooLarge = errors.New("payload exceeds uint16 length prefix")
)
