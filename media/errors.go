package media

import "errors"

var (
	// ErrFrameTooLarge indicates an encoded frame would exceed the
	// fragment count representable in the packet header.
	ErrFrameTooLarge = errors.New("encoded frame too large to fragment")

	// ErrUnknownPreset indicates a streaming preset name that is not in
	// the preset table.
	ErrUnknownPreset = errors.New("unknown streaming preset")

	// ErrDecoderClosed indicates a decode was attempted after the audio
	// pipeline was shut down.
	ErrDecoderClosed = errors.New("audio decoder closed")
)
