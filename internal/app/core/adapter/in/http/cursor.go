package http

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// encodeCursor 把 keyset 位置編成不透明字串: base64url("<unix nano>.<id>")
func encodeCursor(c domain.Cursor) string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + "." + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*domain.Cursor, error) {
	invalid := fmt.Errorf("%w: invalid cursor", domain.ErrInvalidInput)
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid
	}
	at, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, invalid
	}
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, invalid
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n < 0 {
		return nil, invalid
	}
	return &domain.Cursor{At: time.Unix(0, nanos).UTC(), ID: n}, nil
}
