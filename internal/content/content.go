package content

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxLabelLength bounds an activity label in runes.
const MaxLabelLength = 64

var (
	ErrInvalidPeerID = errors.New("invalid peer id")
	ErrEmptyPeerID   = fmt.Errorf("%w: cannot be empty", ErrInvalidPeerID)
)

var (
	policy      = bluemonday.StrictPolicy()
	peerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._:@-]{1,128}$`)
)

// SanitizeLabel strips markup from a free-form activity label, collapses
// whitespace and truncates it to MaxLabelLength runes.
func SanitizeLabel(input string) string {
	clean := html.UnescapeString(policy.Sanitize(input))
	clean = strings.Join(strings.Fields(clean), " ")
	if utf8.RuneCountInString(clean) <= MaxLabelLength {
		return clean
	}
	runes := []rune(clean)
	return string(runes[:MaxLabelLength])
}

// ValidatePeerID checks that a peer identity is non-empty and uses only
// alphanumerics and the characters . _ : @ -
func ValidatePeerID(id string) error {
	if id == "" {
		return ErrEmptyPeerID
	}
	if !peerIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q contains invalid characters (allowed: alphanumeric, dot, dash, underscore, colon, at)", ErrInvalidPeerID, id)
	}
	return nil
}
