// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errno implements the negative-errno error model described in
// spec.md §7: every failing operation in the stack returns one of a
// small set of semantic kinds, carrying enough context to format a
// script-visible "<cmd>: <message> (<hex code>)" line.
package errno

import "fmt"

// Kind is one of the semantic error kinds spec.md §7 enumerates.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	NoMemory
	NoSuchEntity
	InProgress
	Canceled
	TimedOut
	ConnectionReset
	NetUnreachable
	PermissionDenied
	Protocol
	NotSupported
	AddrInUse
	AddrNotAvailable
	Platform
)

// codes assigns each kind the conventional negative errno magnitude
// used throughout the original ipxe tree (EINVAL, ENOMEM, ...). The
// numeric values only need to be stable and distinct; they are
// formatted into script output, never parsed back.
var codes = map[Kind]int{
	InvalidArgument:  -22,
	NoMemory:         -12,
	NoSuchEntity:     -2,
	InProgress:       -115,
	Canceled:         -125,
	TimedOut:         -110,
	ConnectionReset:  -104,
	NetUnreachable:   -101,
	PermissionDenied: -13,
	Protocol:         -71,
	NotSupported:     -95,
	AddrInUse:        -98,
	AddrNotAvailable: -99,
	Platform:         -5,
}

var names = map[Kind]string{
	InvalidArgument:  "invalid argument",
	NoMemory:         "out of memory",
	NoSuchEntity:     "no such entity",
	InProgress:       "operation in progress",
	Canceled:         "cancelled",
	TimedOut:         "timed out",
	ConnectionReset:  "connection reset",
	NetUnreachable:   "network unreachable",
	PermissionDenied: "permission denied",
	Protocol:         "protocol error",
	NotSupported:     "not supported",
	AddrInUse:        "address in use",
	AddrNotAvailable: "address not available",
	Platform:         "platform error",
}

// Errno is the error type returned by every fallible operation in the
// stack. It implements error and carries the semantic Kind plus an
// optional wrapped cause and platform-specific detail.
type Errno struct {
	Kind    Kind
	Detail  string // extra context, e.g. a wrapped platform status
	Wrapped error
}

// New constructs an Errno of the given kind with a detail message.
func New(kind Kind, detail string) *Errno {
	return &Errno{Kind: kind, Detail: detail}
}

// Wrap constructs an Errno of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error) *Errno {
	return &Errno{Kind: kind, Wrapped: err}
}

// PlatformError wraps an opaque platform status code (e.g. a UEFI
// EFI_STATUS) so it can still be formatted for the user.
func PlatformError(platformCode int64, detail string) *Errno {
	return &Errno{Kind: Platform, Detail: fmt.Sprintf("platform code 0x%x: %s", platformCode, detail)}
}

func (e *Errno) Error() string {
	msg := names[e.Kind]
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

func (e *Errno) Unwrap() error { return e.Wrapped }

// Code returns the negative numeric errno for this kind, as printed
// in script output: "<cmd>: <message> (<hex code>)".
func (e *Errno) Code() int { return codes[e.Kind] }

// Is reports whether err is an *Errno of the given kind. It also
// unwraps, so a wrapped Errno compares correctly.
func Is(err error, kind Kind) bool {
	var e *Errno
	for err != nil {
		if as, ok := err.(*Errno); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// IsTimedOut reports whether err denotes a retry-ceiling timeout.
func IsTimedOut(err error) bool { return Is(err, TimedOut) }

// IsCanceled reports whether err denotes a cancelled operation.
func IsCanceled(err error) bool { return Is(err, Canceled) }

// Format renders the script-visible error line for a command.
func Format(cmd string, err error) string {
	e, ok := err.(*Errno)
	if !ok {
		return fmt.Sprintf("%s: %s (0x%x)", cmd, err.Error(), -1)
	}
	return fmt.Sprintf("%s: %s (%#x)", cmd, e.Error(), uint32(e.Code()))
}
