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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestIsMoErrCode(t *testing.T) {
	ctx := context.Background()

	err := NewBadConfigf(ctx, "node %d: %s", 3, "unknown kind")
	require.True(t, IsMoErrCode(err, ErrBadConfig))
	require.False(t, IsMoErrCode(err, ErrNotSupported))
	require.Equal(t, "invalid configuration: node 3: unknown kind", err.Error())

	wrapped := errors.Wrap(err, "compile")
	require.True(t, IsMoErrCode(wrapped, ErrBadConfig))
	code, ok := GetMoErrCode(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrBadConfig, code)

	require.True(t, IsMoErrCode(nil, Ok))
	require.False(t, IsMoErrCode(errors.New("plain"), ErrBadConfig))
	_, ok = GetMoErrCode(errors.New("plain"))
	require.False(t, ok)
}

func TestConstructors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  error
		code uint16
	}{
		{NewNotSupportedf(ctx, "%s", "merge join"), ErrNotSupported},
		{NewInvalidInput(ctx, "x"), ErrInvalidInput},
		{NewInvalidInputf(ctx, "%d", 1), ErrInvalidInput},
		{NewBadConfig(ctx, "x"), ErrBadConfig},
	}
	for _, c := range cases {
		code, ok := GetMoErrCode(c.err)
		require.True(t, ok)
		require.Equal(t, c.code, code)
	}
}
