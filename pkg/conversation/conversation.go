package conversation

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// TitleMaxLength is the number of runes kept from the first user turn.
	TitleMaxLength = 50
	titleEllipsis  = "..."
	DefaultTitle   = "New Conversation"
)

// Conversation is the container owning a forest of turns.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewConversation(title string) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now(),
	}
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	ret := *c
	return &ret
}

// HasDerivableTitle reports whether the title may still be replaced by one derived
// from the first user turn.
func (c *Conversation) HasDerivableTitle() bool {
	return c.Title == "" || c.Title == DefaultTitle
}

// DeriveTitle builds a conversation title from the first user turn's content.
func DeriveTitle(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if s == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(s) <= TitleMaxLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:TitleMaxLength]), " ") + titleEllipsis
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@-]{0,127}$`)

func ValidateBranchID(branchID string) error {
	if !identifierPattern.MatchString(branchID) {
		return &ValidationError{Field: "branchId", Reason: "malformed branch id " + quote(branchID)}
	}
	return nil
}

func ValidateProviderID(provider string) error {
	if provider == RootBranch {
		return &ValidationError{Field: "providers", Reason: "\"root\" is reserved and cannot name a provider"}
	}
	if !identifierPattern.MatchString(provider) {
		return &ValidationError{Field: "providers", Reason: "malformed provider id " + quote(provider)}
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}
