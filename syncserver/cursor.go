// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Keyset pagination cursor over (received_at_ms, local_uuid). The tuple
// ordering makes pages stable under concurrent writes: a record is revisited
// only if it is rewritten, which the client's idempotent LWW upsert absorbs.

type pageCursor struct {
	ReceivedAt int64
	LocalUUID  string
}

func encodeCursor(c pageCursor) string {
	raw := strconv.FormatInt(c.ReceivedAt, 10) + "|" + c.LocalUUID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (pageCursor, error) {
	if s == "" {
		return pageCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	ts, uuid, ok := strings.Cut(string(raw), "|")
	if !ok {
		return pageCursor{}, fmt.Errorf("malformed cursor: missing separator")
	}
	receivedAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return pageCursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return pageCursor{ReceivedAt: receivedAt, LocalUUID: uuid}, nil
}
