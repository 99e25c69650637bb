package session

import (
	"fmt"
	"regexp"
)

var (
	nameRegexp         = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	conversationRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// ValidateConversationID checks that id can be used as a single transport
// subject token and as a lock owner.
func ValidateConversationID(id string) error {
	if !conversationRegexp.MatchString(id) {
		return fmt.Errorf("invalid conversation id %q: must match %s", id, conversationRegexp)
	}
	return nil
}
