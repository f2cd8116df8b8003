// Package export serializes large tenant field collections incrementally,
// never holding more than one page in memory.
package export

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadCursor indicates a malformed or forged continuation token.
var ErrBadCursor = errors.New("invalid export cursor")

// Cursor is the opaque continuation token between export pages. It encodes
// the keyset position, so re-issuing the same cursor always resumes at the
// same or a later record, never an earlier one.
type Cursor struct {
	TenantID      string    `json:"t"`
	LastCreatedAt time.Time `json:"c"`
	LastID        string    `json:"i"`
	PageSize      int       `json:"p"`
}

// Encode serializes the cursor to an opaque URL-safe token.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if c.TenantID == "" || c.PageSize <= 0 {
		return Cursor{}, fmt.Errorf("%w: missing fields", ErrBadCursor)
	}
	return c, nil
}
