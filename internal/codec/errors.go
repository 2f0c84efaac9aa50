package codec

import "errors"

// Domain-specific errors for codec operations.
var (
	// ErrUnknownCodec is returned by New for an unsupported codec name.
	ErrUnknownCodec = errors.New("codec: unknown codec")

	// ErrDecode is returned when a payload cannot be decoded.
	ErrDecode = errors.New("codec: decode failed")

	// ErrEncode is returned when a value cannot be encoded.
	ErrEncode = errors.New("codec: encode failed")
)
