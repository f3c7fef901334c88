package usage

import (
	"sort"
	"strings"
)

// AdminSet is an immutable set of admin emails. Members are always treated
// as premium regardless of stored device state.
type AdminSet struct {
	emails map[string]struct{}
}

// ParseAdminSet builds an AdminSet from a comma-separated list.
func ParseAdminSet(csv string) AdminSet {
	return NewAdminSet(strings.Split(csv, ",")...)
}

// NewAdminSet builds an AdminSet, normalizing each email and dropping blanks.
func NewAdminSet(emails ...string) AdminSet {
	set := AdminSet{emails: make(map[string]struct{}, len(emails))}
	for _, email := range emails {
		normalized := normalizeEmail(email)
		if normalized == "" {
			continue
		}
		set.emails[normalized] = struct{}{}
	}
	return set
}

// Contains reports whether email belongs to an admin.
func (s AdminSet) Contains(email string) bool {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return false
	}
	_, ok := s.emails[normalized]
	return ok
}

// Len returns the number of admins.
func (s AdminSet) Len() int {
	return len(s.emails)
}

// Emails returns the admin emails in sorted order.
func (s AdminSet) Emails() []string {
	out := make([]string, 0, len(s.emails))
	for email := range s.emails {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
