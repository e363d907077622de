// Package errcode defines the closed error taxonomy shared by every
// component. A Code is a stable, comparable, allocation-free error
// identifier that callers can switch on without string matching.
package errcode

// Code is a stable error identifier. It implements error directly so a
// bare Code can be returned and compared with errors.Is.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes, closed set per the error taxonomy.
const (
	InvalidParam   Code = "invalid_param"
	NotInitialized Code = "not_initialized"
	NotFound       Code = "not_found"
	Duplicate      Code = "duplicate"
	CapacityFull   Code = "capacity_full"
	TypeMismatch   Code = "type_mismatch"
	Permission     Code = "permission"
	Busy           Code = "busy"
	Protocol       Code = "protocol"
	Corrupt        Code = "corrupt"
	IO             Code = "io"
	Timeout        Code = "timeout"

	OK    Code = "ok"
	Error Code = "error" // generic fallback
)

// E wraps a Code with operation context and an optional underlying cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.C)
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds an *E for the given code/operation/message.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap builds an *E carrying an underlying cause.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error. A nil error maps
// to OK so callers can use Of uniformly in logging paths.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
