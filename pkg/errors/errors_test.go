// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  New(TypeTokenGenerationFailure, "signing key unavailable", stderrors.New("no such file")),
			want: "token_generation_failure: signing key unavailable: no such file",
		},
		{
			name: "error without cause",
			err:  New(TypeScopeExceeded, "scope \"admin\" not granted", nil),
			want: "scope_exceeded: scope \"admin\" not granted",
		},
		{
			name: "sentinel",
			err:  ErrNotFound,
			want: "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsMatchesByType(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("exchange failed: %w", Newf(TypeCodeAlreadyUsed, "code %s", "redacted"))

	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
	assert.NotErrorIs(t, err, ErrCodeExpired)
	assert.True(t, IsCodeTerminal(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, TypeCodeAlreadyUsed, TypeOf(err))
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("entropy source closed")
	err := New(TypeTokenGenerationFailure, "opaque token", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsFatal(err))
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{
		TypeUnsupportedGrantType, TypeInvalidGrantConstruction, TypeUnsupportedOperation,
		TypeScopeExceeded, TypeNotApplicable, TypeDuplicateGrant, TypeCodeAlreadyUsed,
		TypeCodeExpired, TypeNotFound,
	} {
		assert.False(t, IsFatal(New(typ, "", nil)), typ)
	}
	assert.True(t, IsFatal(ErrTokenGenerationFailure))
	assert.False(t, IsFatal(stderrors.New("plain")))
	assert.Equal(t, Type(""), TypeOf(nil))
}
