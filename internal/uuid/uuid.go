// Package uuid provides identifier generation for queue entries and
// optimistic records.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempPrefix marks client-generated identifiers that have not been
// confirmed by the server.
const TempPrefix = "temp_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// NewTempID returns a client temp id of the form temp_<unixnano>_<rand>.
// The time component keeps ids roughly sortable by creation.
func NewTempID(now time.Time) string {
	rnd := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return TempPrefix + strconv.FormatInt(now.UnixNano(), 10) + "_" + rnd
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	rest, ok := strings.CutPrefix(id, TempPrefix)
	if !ok {
		return false
	}
	ts, rnd, ok := strings.Cut(rest, "_")
	if !ok || rnd == "" {
		return false
	}
	_, err := strconv.ParseInt(ts, 10, 64)
	return err == nil
}
