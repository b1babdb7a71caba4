package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ValidID reports whether value is usable as a document, connection or replica identifier.
func ValidID(value string) bool {
	return idPattern.MatchString(value)
}
