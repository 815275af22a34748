package download

import "fmt"

// Error codes
const (
	CodeNetwork       = "NETWORK_ERROR"
	CodeStaleRemote   = "STALE_REMOTE"
	CodeIntegrity     = "INTEGRITY_FAILED"
	CodeFileSystem    = "FILESYSTEM_ERROR"
	CodeArgument      = "INVALID_ARGUMENT"
	CodeAlreadyActive = "ALREADY_ACTIVE"
	CodeNotActive     = "NOT_ACTIVE"
	CodeInvalidState  = "INVALID_STATE"
	CodeNotFound      = "NOT_FOUND"
)

// Errors
var (
	ErrNetwork       = &Error{Code: CodeNetwork, Message: "network error"}
	ErrStaleRemote   = &Error{Code: CodeStaleRemote, Message: "remote file changed since the download was paused"}
	ErrIntegrity     = &Error{Code: CodeIntegrity, Message: "checksum does not match signature"}
	ErrFileSystem    = &Error{Code: CodeFileSystem, Message: "filesystem error"}
	ErrArgument      = &Error{Code: CodeArgument, Message: "invalid argument"}
	ErrAlreadyActive = &Error{Code: CodeAlreadyActive, Message: "download already in progress"}
	ErrNotActive     = &Error{Code: CodeNotActive, Message: "download is not running"}
	ErrInvalidState  = &Error{Code: CodeInvalidState, Message: "operation not allowed in current state"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "download not found"}
)

// Error is a classified download failure
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches download errors by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func networkError(err error) *Error {
	return &Error{Code: CodeNetwork, Message: ErrNetwork.Message, Err: err}
}

func fileSystemError(op string, err error) *Error {
	return &Error{Code: CodeFileSystem, Message: op, Err: err}
}

func argumentError(msg string) *Error {
	return &Error{Code: CodeArgument, Message: msg}
}

func staleRemoteError(stored, remote string, storedSize, remoteSize int64) *Error {
	return &Error{
		Code: CodeStaleRemote,
		Message: fmt.Sprintf("%s (stored modified=%q size=%d, remote modified=%q size=%d)",
			ErrStaleRemote.Message, stored, storedSize, remote, remoteSize),
	}
}

func integrityError(got, want string) *Error {
	return &Error{
		Code:    CodeIntegrity,
		Message: fmt.Sprintf("%s (got %s, want %s)", ErrIntegrity.Message, got, want),
	}
}

func stateError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}
