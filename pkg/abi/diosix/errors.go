// Copyright 2024 The Diosix Authors.
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

package diosix

// Error is a kernel result code. Every fallible kernel operation returns
// one of the sentinel values below; the syscall dispatcher exposes the
// negated Code to userspace in the result register.
type Error struct {
	code int
	msg  string
}

// Error implements error.
func (e *Error) Error() string { return e.msg }

// Code returns the positive result-code number.
func (e *Error) Code() int { return e.code }

// Errno returns the negative integer written to the syscall result
// register.
func (e *Error) Errno() int64 { return -int64(e.code) }

func newError(code int, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// The result-code vocabulary. Zero is success and is represented by a nil
// error.
var (
	ErrFailure          = newError(1, "generic failure")
	ErrNotFound         = newError(2, "search failed")
	ErrNotImplemented   = newError(3, "function not supported")
	ErrMissingBootData  = newError(4, "missing boot memory map data")
	ErrNoPhysPages      = newError(5, "no physical pages available")
	ErrNoHandler        = newError(6, "no handler willing to accept")
	ErrNoRights         = newError(7, "rights violation")
	ErrNoReceiver       = newError(8, "no receiver for message")
	ErrSignalPending    = newError(9, "signal already pending")
	ErrNotPageAligned   = newError(10, "address not page aligned")
	ErrNotEnoughPages   = newError(11, "not enough physical pages")
	ErrNotContiguous    = newError(12, "physical pages not contiguous")
	ErrNotEnoughBytes   = newError(13, "not enough bytes")
	ErrTooBig           = newError(14, "request too big")
	ErrTooSmall         = newError(15, "request too small")
	ErrPhysStkOverflow  = newError(16, "physical page stack overflow")
	ErrPayloadObjHere   = newError(17, "payload object occupies address")
	ErrPayloadMissing   = newError(18, "payload object missing")
	ErrPayloadBad       = newError(19, "payload object malformed")
	ErrBadAddress       = newError(20, "bad address")
	ErrBadSourceAddress = newError(21, "bad source address")
	ErrBadTargetAddress = newError(22, "bad target address")
	ErrBadMagic         = newError(23, "bad magic word")
	ErrBadArch          = newError(24, "executable built for wrong architecture")
	ErrBadExec          = newError(25, "executable malformed")
	ErrBadParams        = newError(26, "invalid parameters")
	ErrVMAExists        = newError(27, "memory area collides with existing area")
	ErrExists           = newError(28, "object already exists")
	ErrMaxLayer         = newError(29, "privilege layer at maximum")
)

// Errno flattens any error into the negative register value of the
// syscall contract. Unrecognised errors collapse to ErrFailure.
func Errno(err error) int64 {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Errno()
	}
	return ErrFailure.Errno()
}
