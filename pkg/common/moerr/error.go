// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moerr

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

const (
	// 0 - 99 is OK.
	Ok uint16 = 0

	// 20100 - 20199 is group 1: configuration errors
	ErrBadConfig    uint16 = 20104
	ErrNotSupported uint16 = 20105

	// 20200 - 20299 is group 2: user input errors
	ErrInvalidInput uint16 = 20203
)

var errorMsgRefer = map[uint16]string{
	Ok:              "ok",
	ErrBadConfig:    "invalid configuration: %s",
	ErrNotSupported: "not supported: %s",
	ErrInvalidInput: "invalid input: %s",
}

// Error is the coded error returned by every package of this module.
type Error struct {
	code    uint16
	message string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func newError(_ context.Context, code uint16, args ...any) error {
	format, has := errorMsgRefer[code]
	if !has {
		panic(fmt.Sprintf("not exist MOErrorCode: %d", code))
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return errors.WithStackDepth(&Error{
		code:    code,
		message: msg,
	}, 2)
}

// IsMoErrCode reports whether err, or any error it wraps, carries the code.
func IsMoErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	var me *Error
	if !errors.As(e, &me) {
		return false
	}
	return me.code == rc
}

// GetMoErrCode returns the code carried by err and whether one was found.
func GetMoErrCode(e error) (uint16, bool) {
	if e == nil {
		return Ok, true
	}
	var me *Error
	if !errors.As(e, &me) {
		return 0, false
	}
	return me.code, true
}

func NewBadConfig(ctx context.Context, msg string) error {
	return newError(ctx, ErrBadConfig, msg)
}

func NewBadConfigf(ctx context.Context, format string, args ...any) error {
	return newError(ctx, ErrBadConfig, fmt.Sprintf(format, args...))
}

func NewNotSupportedf(ctx context.Context, format string, args ...any) error {
	return newError(ctx, ErrNotSupported, fmt.Sprintf(format, args...))
}

func NewInvalidInput(ctx context.Context, msg string) error {
	return newError(ctx, ErrInvalidInput, msg)
}

func NewInvalidInputf(ctx context.Context, format string, args ...any) error {
	return newError(ctx, ErrInvalidInput, fmt.Sprintf(format, args...))
}
