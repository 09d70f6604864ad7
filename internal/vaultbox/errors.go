package vaultbox

import "fmt"

// Kind classifies a lifecycle error for HTTP translation at the API layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthorization
	KindNotFound
	KindConflict
	KindExternal
	KindTransient
)

// Stable error codes carried in API responses.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeAliasLimit     = "ALIAS_LIMIT"
	CodeAliasConflict  = "ALIAS_CONFLICT"
	CodeAliasPresent   = "ALIAS_PRESENT"
	CodeDomainCatchall = "DOMAIN_CATCHALL"
	CodeNotVerified    = "DOMAIN_NOT_VERIFIED"
)

// Error is the typed error every lifecycle operation returns. The API layer
// is the only translator to HTTP status codes.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vaultbox: %s: %v", e.Message, e.Err)
	}
	return "vaultbox: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: fmt.Sprintf(format, args...)}
}

func external(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternal, Message: fmt.Sprintf(format, args...), Err: err}
}

func transient(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}
