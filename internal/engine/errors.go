package engine

// The engine reports failures through a small typed taxonomy; the server
// maps each type to a status code with errors.As. Validation and permission
// checks always run before any write, so a rejected request leaves no
// partial state.

// ValidationError reports malformed or missing input, naming the first
// violated rule.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ForbiddenError reports an authenticated but unpermitted action. Fields
// carries offending field names for the locked-methodology case.
type ForbiddenError struct {
	Msg    string
	Fields []string
}

func (e ForbiddenError) Error() string { return e.Msg }

// ConflictError reports a duplicate-action attempt.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// BadRequestError reports an operation invalid for the aggregate's current
// lifecycle state.
type BadRequestError struct {
	Msg string
}

func (e BadRequestError) Error() string { return e.Msg }

func validation(msg string) error { return ValidationError{Msg: msg} }
func forbidden(msg string) error  { return ForbiddenError{Msg: msg} }
func conflict(msg string) error   { return ConflictError{Msg: msg} }
func badRequest(msg string) error { return BadRequestError{Msg: msg} }
