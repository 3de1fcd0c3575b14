package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrCapacity = errors.New("pending queue at capacity")
	// ErrCorrupt reports that the database file failed an integrity check
	// or SQLite refused to read it. Recovery requires Rebuild.
	ErrCorrupt = errors.New("local store corrupted")
)

// classify wraps err with ErrCorrupt when SQLite reports a damaged file.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrCorrupt) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}
