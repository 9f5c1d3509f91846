package idgen

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

const MaxSubscriptionIDLength = 64

// ValidateSubscriptionID checks a client-chosen subscription id.
// Rules: 1 to 64 bytes of valid UTF-8 without control characters.
func ValidateSubscriptionID(id string) error {
	if id == "" {
		return fmt.Errorf("subscription id is required")
	}
	if len(id) > MaxSubscriptionIDLength {
		return fmt.Errorf("subscription id too long (max %d characters)", MaxSubscriptionIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("subscription id is not valid utf-8")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("subscription id %q contains control characters", id)
		}
	}
	return nil
}
