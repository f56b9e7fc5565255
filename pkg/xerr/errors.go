package xerr

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the operator. Subscription and Protocol are
// reported but never abort setup.
const (
	OK           = 0
	Config       = 100
	Init         = 200
	Subscription = 300
	Topology     = 400
	Registration = 500
	Source       = 600
	Protocol     = 700
)

var (
	ErrNoSessions      = New(Topology, "no sessions available")
	ErrUnsupportedFeed = New(Config, "feed not supported by this handler")
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Err  error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", MapErrMsg(e.Code), e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", MapErrMsg(e.Code), e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Err }

// Is matches another CodeError with the same code and message, so wrapped
// sentinels still satisfy errors.Is.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Msg == t.Msg
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func Wrap(code int, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code of the outermost CodeError in err's chain.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Init
}

func MapErrMsg(code int) string {
	switch code {
	case Config:
		return "configuration error"
	case Init:
		return "initialization error"
	case Subscription:
		return "subscription error"
	case Topology:
		return "topology error"
	case Registration:
		return "registration error"
	case Source:
		return "source error"
	case Protocol:
		return "protocol error"
	default:
		return "unknown error"
	}
}

// ExitCode maps a setup result to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
