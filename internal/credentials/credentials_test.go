// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package credentials

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAnonymousOnly(t *testing.T) {
	anon := &Anonymous{Identity: []byte("anon"), Key: []byte("secret-key")}
	creds, err := New(anon, nil, "", nil)
	require.NoError(t, err)

	require.Equal(t, anon, creds.Anonymous())
	require.Nil(t, creds.Certificate())
}

func TestReplaceCertificateClearsAnonymous(t *testing.T) {
	anon := &Anonymous{Identity: []byte("anon"), Key: []byte("secret-key")}
	creds, err := New(anon, nil, "", nil)
	require.NoError(t, err)

	creds.ReplaceCertificate(nil)
	require.Nil(t, creds.Anonymous())
}

func TestCloseZeroesKeyMaterial(t *testing.T) {
	key := []byte("secret-key")
	anon := &Anonymous{Identity: []byte("anon"), Key: key}
	creds, err := New(anon, nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, creds.Close())
	for _, b := range key {
		require.Zero(t, b)
	}
	require.Nil(t, creds.Anonymous())
	require.Nil(t, creds.Certificate())
}

func TestCloseIsIdempotent(t *testing.T) {
	creds, err := New(nil, nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, creds.Close())
	require.NoError(t, creds.Close())
}

func TestIsRevokedOnNilStore(t *testing.T) {
	var store *PeerCAStore
	require.False(t, store.IsRevoked([]byte{1, 2, 3}))
}

func TestLoadCATrustMissingFile(t *testing.T) {
	_, err := New(nil, nil, "/nonexistent/path/ca.pem", nil)
	require.Error(t, err)
}
