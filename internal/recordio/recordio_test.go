// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package recordio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func pairedCodecs(t *testing.T) (client, server *Codec) {
	t.Helper()
	keyingMaterial := make([]byte, 48)
	for i := range keyingMaterial {
		keyingMaterial[i] = byte(i)
	}

	clientSeal, clientOpen, err := DeriveKeys(keyingMaterial, true)
	require.NoError(t, err)
	serverSeal, serverOpen, err := DeriveKeys(keyingMaterial, false)
	require.NoError(t, err)
	require.Equal(t, clientSeal, serverOpen)
	require.Equal(t, serverSeal, clientOpen)

	clientCodec, err := NewCodec(clientSeal, clientOpen)
	require.NoError(t, err)
	serverCodec, err := NewCodec(serverSeal, serverOpen)
	require.NoError(t, err)
	return clientCodec, serverCodec
}

func TestSealOpenRoundTrip(t *testing.T) {
	client, server := pairedCodecs(t)

	envelope, err := client.Seal(42, FrameData, []byte("hello"))
	require.NoError(t, err)

	seq, tag, payload, err := server.Open(envelope)
	require.NoError(t, err)
	require.EqualValues(t, 42, seq)
	require.Equal(t, FrameData, tag)
	require.Equal(t, []byte("hello"), payload)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	client, server := pairedCodecs(t)

	envelope, err := client.Seal(1, FramePing, nil)
	require.NoError(t, err)
	envelope[len(envelope)-1] ^= 0xFF

	_, _, _, err = server.Open(envelope)
	require.Error(t, err)
}

func TestOpenRejectsTamperedHeader(t *testing.T) {
	client, server := pairedCodecs(t)

	envelope, err := client.Seal(1, FrameData, []byte("payload"))
	require.NoError(t, err)
	envelope[0] ^= 0xFF // corrupt authenticated sequence number

	_, _, _, err = server.Open(envelope)
	require.Error(t, err)
}

func TestOpenRejectsShortEnvelope(t *testing.T) {
	_, server := pairedCodecs(t)
	_, _, _, err := server.Open([]byte("short"))
	require.ErrorIs(t, err, errEnvelopeTooShort)
}

func TestWrongDirectionCannotOpen(t *testing.T) {
	client, _ := pairedCodecs(t)

	envelope, err := client.Seal(1, FrameData, []byte("x"))
	require.NoError(t, err)

	// client's own codec cannot open its own seal output: seal/open keys
	// differ per direction.
	_, _, _, err = client.Open(envelope)
	require.Error(t, err)
}
