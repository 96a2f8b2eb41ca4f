package api

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"Spindle/internal/nodeid"
)

const (
	// maxBodySize is the maximum deferred message size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// maxNameLength is the maximum length of a resource name.
	maxNameLength = 255
)

var (
	// ErrEmptyBody is returned for a deferred message without content.
	ErrEmptyBody = errors.New("empty message")

	// ErrBodyTooLarge is returned for a deferred message above maxBodySize.
	ErrBodyTooLarge = errors.New("message too large")
)

// parseID accepts a resource id or a resource name. Names map to ids the
// same way publishers derive them.
func parseID(s string) (uuid.UUID, error) {
	if id, err := uuid.Parse(s); err == nil {
		return id, nil
	}

	if err := validateName(s); err != nil {
		return uuid.Nil, err
	}

	return nodeid.FromName(s), nil
}

// validateName checks that a resource name is non-empty, bounded and printable.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty resource name")
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("resource name too long: %d > %d", len(name), maxNameLength)
	}

	if !utf8.ValidString(name) {
		return fmt.Errorf("resource name is not valid UTF-8")
	}

	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("resource name contains control character %U", r)
		}
	}

	return nil
}

// validateBody checks the size of a deferred message.
func validateBody(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}

	if len(body) > maxBodySize {
		return ErrBodyTooLarge
	}

	return nil
}
