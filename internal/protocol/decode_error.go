package protocol

import "fmt"

type DecodeErrorKind int

const (
	Truncated DecodeErrorKind = iota + 1
	InvalidTag
	UnknownKind
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case InvalidTag:
		return "invalid tag"
	case UnknownKind:
		return "unknown kind"
	default:
		return "unknown"
	}
}

// DecodeError describes a malformed binary frame.
type DecodeError struct {
	Kind DecodeErrorKind
	Need int    // Truncated: bytes the layout requires so far
	Have int    // Truncated: bytes present
	Tag  string // InvalidTag / UnknownKind: offending value
}

// Sentinels for errors.Is; only Kind is compared.
var (
	ErrTruncated   = &DecodeError{Kind: Truncated}
	ErrInvalidTag  = &DecodeError{Kind: InvalidTag}
	ErrUnknownKind = &DecodeError{Kind: UnknownKind}
)

func (e *DecodeError) Error() string {
	switch e.Kind {
	case Truncated:
		return fmt.Sprintf("decode: truncated frame (need %d bytes, have %d)", e.Need, e.Have)
	case InvalidTag:
		return fmt.Sprintf("decode: invalid tag %q", e.Tag)
	case UnknownKind:
		return fmt.Sprintf("decode: unexpected frame %s", e.Tag)
	default:
		return "decode: malformed frame"
	}
}

func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

// Code maps the error onto the protocol error codes.
func (e *DecodeError) Code() string {
	switch e.Kind {
	case Truncated:
		return ErrDecodeTruncated
	case InvalidTag:
		return ErrDecodeInvalidTag
	case UnknownKind:
		return ErrDecodeUnknownKind
	default:
		return ErrProtoBadRequest
	}
}
