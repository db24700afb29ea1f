package errs

// Stable error codes for the sync core. Handlers map these to HTTP statuses;
// the reconciler keys its recovery behavior off ErrTransient.
const (
	CodeNotFound           = 1000
	CodeForbidden          = 1001
	CodeConflict           = 1002
	CodeInvariantViolation = 1003
	CodeGone               = 1004
	CodeTransient          = 1005
)

var (
	ErrNotFound           = NewCodeError(CodeNotFound, "not found")
	ErrForbidden          = NewCodeError(CodeForbidden, "forbidden")
	ErrConflict           = NewCodeError(CodeConflict, "conflict")
	ErrInvariantViolation = NewCodeError(CodeInvariantViolation, "invariant violation")
	ErrGone               = NewCodeError(CodeGone, "gone")
	ErrTransient          = NewCodeError(CodeTransient, "transient")
)

// HTTPStatus maps a code to its HTTP status. Unknown codes fall back to 500.
func HTTPStatus(code int) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeForbidden:
		return 403
	case CodeConflict:
		return 409
	case CodeInvariantViolation:
		return 422
	case CodeGone:
		return 410
	case CodeTransient:
		return 503
	default:
		return 500
	}
}
