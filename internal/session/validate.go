package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under the base dir, so the
// alphabet stays lowercase and filesystem-safe.
var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that cannot serve as a session directory.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("session name %q: want 1-64 of [a-z0-9_-], starting with a letter or digit", name)
	}
	return nil
}
