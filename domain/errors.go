//
// Copyright 2024 The Nanvix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package domain holds the types shared by every component of the
// substrate: node identity, resource flags and the error taxonomy used on
// the wire between clients and servers.
package domain

import "fmt"

// ErrorKind is the small, stable error taxonomy that crosses the wire
// between a client and a server . It is never used for in-process
// control flow beyond carrying a cause back to the caller.
type ErrorKind int32

const (
	// ErrNone indicates success; never returned as an error.
	ErrNone ErrorKind = iota
	ErrInvalid
	ErrNotFound
	ErrAlreadyExists
	ErrPermissionDenied
	ErrResourceExhausted
	ErrBusy
	ErrNotSupported
	ErrFaulted
	ErrAgain
	ErrNameTooLong
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrInvalid:
		return "invalid"
	case ErrNotFound:
		return "not_found"
	case ErrAlreadyExists:
		return "already_exists"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrBusy:
		return "busy"
	case ErrNotSupported:
		return "not_supported"
	case ErrFaulted:
		return "faulted"
	case ErrAgain:
		return "again"
	case ErrNameTooLong:
		return "name_too_long"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every substrate operation
// that can fail. It carries the ErrorKind that is actually put on the wire
// plus a human-readable message for logs.
type Error struct {
	Kind ErrorKind
	Op string
	Msg string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// NewError builds an *Error for op/kind, formatting Msg like fmt.Sprintf.
func NewError(op string, kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind carried by err, or ErrInvalid if err does
// not carry one (e.g. it originated outside the substrate, such as an I/O
// error from the afero-backed store).
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return ErrInvalid
}

// WireCode maps an ErrorKind to the small negative integer the the wire
// format transmits in a reply's errcode field. 0 is reserved for success.
func WireCode(k ErrorKind) int32 {
	return -int32(k)
}
