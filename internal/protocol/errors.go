package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Wire decoding.
	ErrDecodeTruncated   = "E_DECODE_TRUNCATED"
	ErrDecodeInvalidTag  = "E_DECODE_INVALID_TAG"
	ErrDecodeUnknownKind = "E_DECODE_UNKNOWN_KIND"

	// Authority.
	ErrValidation      = "E_VALIDATION"
	ErrUnknownIdentity = "E_UNKNOWN_IDENTITY"
	ErrOccupied        = "E_OCCUPIED"
	ErrServerBusy      = "E_SERVER_BUSY"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrProtoVersion:      {},
	ErrDecodeTruncated:   {},
	ErrDecodeInvalidTag:  {},
	ErrDecodeUnknownKind: {},
	ErrValidation:        {},
	ErrUnknownIdentity:   {},
	ErrOccupied:          {},
	ErrServerBusy:        {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
