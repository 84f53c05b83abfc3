// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
)

func TestAuthorizationCode_VerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := oauth2.GenerateVerifier()
	code := &AuthorizationCode{
		Value:               "abc123",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: PKCEMethodS256,
	}

	require.NoError(t, code.VerifyPKCE(verifier))
	require.ErrorIs(t, code.VerifyPKCE(""), grantErrors.ErrInvalidGrant)
	require.ErrorIs(t, code.VerifyPKCE(oauth2.GenerateVerifier()), grantErrors.ErrInvalidGrant)

	plain := &AuthorizationCode{CodeChallenge: verifier, CodeChallengeMethod: "plain"}
	require.ErrorIs(t, plain.VerifyPKCE(verifier), grantErrors.ErrInvalidGrant)

	none := &AuthorizationCode{}
	require.NoError(t, none.VerifyPKCE(""))
}

func TestCodeState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    CodeState
		name     string
		terminal bool
		err      error
	}{
		{CodeIssued, "issued", false, nil},
		{CodeExchanged, "exchanged", true, grantErrors.ErrCodeAlreadyUsed},
		{CodeExpired, "expired", true, grantErrors.ErrCodeExpired},
		{CodeRevoked, "revoked", true, grantErrors.ErrCodeRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.terminal, tt.state.Terminal())

			parsed, err := ParseCodeState(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.state, parsed)

			if tt.err == nil {
				assert.NoError(t, tt.state.Err())
			} else {
				assert.ErrorIs(t, tt.state.Err(), tt.err)
			}
		})
	}

	_, err := ParseCodeState("pending")
	assert.Error(t, err)
}

func TestAuthorizationCode_Expired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	code := &AuthorizationCode{IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	assert.False(t, code.Expired(now))
	assert.True(t, code.Expired(now.Add(time.Minute)))
}
