// Package errcode maps runtime failures onto the stable signed integer codes
// returned across the binding boundary.
//
// Lower layers return ordinary Go errors. The service layer wraps them in an
// *Error carrying a Kind; CodeOf turns any error back into its code. Two kinds
// share the value -1 (NullConfig and NotRunning), so callers that need to
// tell them apart compare kinds with errors.Is, never codes.
package errcode

import (
	"errors"
	"fmt"
)

// Code is the signed integer handed to binding callers.
type Code int

const (
	Success    Code = 0
	NullConfig Code = -1
	JSONParse  Code = -2
	AlreadyRun Code = -3
	LoadConfig Code = -4
	NotRunning Code = -1
	Connection Code = -5
	Interface  Code = -6
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNullConfig
	KindConfigParse
	KindAlreadyRunning
	KindConfigLoad
	KindNotRunning
	KindConnection
	KindInterface
)

var kindInfo = map[Kind]struct {
	code Code
	msg  string
}{
	KindNullConfig:     {NullConfig, "config is empty"},
	KindConfigParse:    {JSONParse, "config parse error"},
	KindAlreadyRunning: {AlreadyRun, "service already running"},
	KindConfigLoad:     {LoadConfig, "failed to load config"},
	KindNotRunning:     {NotRunning, "service not running"},
	KindConnection:     {Connection, "connection error"},
	KindInterface:      {Interface, "interface error"},
}

// Code returns the binding code for the kind.
func (k Kind) Code() Code {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return Interface
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.msg
	}
	return "unknown error"
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare kind sentinels such as ErrNotRunning.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the binding code for the error.
func (e *Error) Code() Code { return e.Kind.Code() }

// Kind sentinels for errors.Is.
var (
	ErrNullConfig     = &Error{Kind: KindNullConfig}
	ErrConfigParse    = &Error{Kind: KindConfigParse}
	ErrAlreadyRunning = &Error{Kind: KindAlreadyRunning}
	ErrConfigLoad     = &Error{Kind: KindConfigLoad}
	ErrNotRunning     = &Error{Kind: KindNotRunning}
	ErrConnection     = &Error{Kind: KindConnection}
	ErrInterface      = &Error{Kind: KindInterface}
)

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err unless it already carries a kind, in which case it is
// returned unchanged.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(kind, op, err)
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns Success for nil and the classified code otherwise.
// Unclassified errors report Interface.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return Interface
}
