// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := pageCursor{ReceivedAt: 1756412345678, LocalUUID: "11111111-1111-1111-1111-111111111111"}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestCursorEmpty(t *testing.T) {
	got, err := decodeCursor("")
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestCursorMalformed(t *testing.T) {
	_, err := decodeCursor("not base64!!!")
	require.Error(t, err)

	// Valid base64 but no separator.
	_, err = decodeCursor("aGVsbG8")
	require.Error(t, err)

	// Valid base64, separator present, timestamp is not a number.
	_, err = decodeCursor(base64.RawURLEncoding.EncodeToString([]byte("abc|uuid")))
	require.Error(t, err)
}
