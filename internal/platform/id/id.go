// Package id generates the opaque identifiers used for orders, tasks, and
// audit rows.
//
// An identifier is a random UUID rendered as unpadded lowercase base32: 16
// bytes of entropy in a fixed 26 URL-safe characters.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// No padding, so encoded ids never carry a '=' suffix.
var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh globally unique identifier. It fails only when the
// platform's entropy source does.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(enc.EncodeToString(value[:])), nil
}
