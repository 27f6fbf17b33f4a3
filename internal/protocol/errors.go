package protocol

import "errors"

// Frame/codec errors. All of them are connection-fatal: the byte stream is
// unrecoverable once framing or crypto state is out of sync.
var (
	ErrFrameTooLarge     = errors.New("protocol: frame exceeds size ceiling")
	ErrMalformedLength   = errors.New("protocol: malformed length prefix")
	ErrCompression       = errors.New("protocol: bad compressed frame")
	ErrCryptoFailure     = errors.New("protocol: crypto failure")
	ErrProtocolViolation = errors.New("protocol: packet not valid in current state")
)

// Disconnect/audit codes, reported on the teardown path and written to the
// audit log.
const (
	CodeProtocolViolation = "E_PROTOCOL_VIOLATION"
	CodeFrameTooLarge     = "E_FRAME_TOO_LARGE"
	CodeCryptoFailure     = "E_CRYPTO_FAILURE"
	CodeOutboundOverflow  = "E_OUTBOUND_OVERFLOW"
	CodeLoginRejected     = "E_LOGIN_REJECTED"
	CodeTimeout           = "E_TIMEOUT"
	CodeServerFull        = "E_SERVER_FULL"
	CodeReadError         = "E_READ_ERROR"
	CodeWriteError        = "E_WRITE_ERROR"
	CodeShutdown          = "E_SHUTDOWN"
	CodeKicked            = "E_KICKED"
)
