package crawler

import "strings"

// Blocklist matches hosts against blocked domain patterns.
// A pattern blocks every host that contains it as a case-insensitive substring,
// so "example.com" blocks "example.com", "www.example.com" and "cdn.example.com.evil".
// Patterns are plain text; regex metacharacters carry no meaning.
type Blocklist struct {
	patterns []string
}

// NewBlocklist builds a Blocklist from store rows.
func NewBlocklist(rows []BlockedDomain) *Blocklist {
	b := &Blocklist{}
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		value := NormalizeBlockedDomain(row.Domain)
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		b.patterns = append(b.patterns, value)
	}
	return b
}

// Len returns the number of distinct patterns.
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.patterns)
}

// IsBlocked reports whether host matches any pattern.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	for _, pattern := range b.patterns {
		if strings.Contains(host, pattern) {
			return true
		}
	}
	return false
}

// IsURLBlocked reports whether rawURL's host matches any pattern.
// Unparseable URLs are treated as blocked.
func (b *Blocklist) IsURLBlocked(rawURL string) bool {
	host, err := DomainOf(rawURL)
	if err != nil {
		return true
	}
	return b.IsBlocked(host)
}

// Patterns returns a copy of the normalized patterns.
func (b *Blocklist) Patterns() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.patterns...)
}

// NormalizeBlockedDomain lower-cases a blocklist pattern and strips a leading wildcard,
// so "*.RU" is stored as ".ru".
func NormalizeBlockedDomain(domain string) string {
	return strings.TrimPrefix(strings.TrimSpace(strings.ToLower(domain)), "*")
}

// NormalizeBlockedRows normalizes and dedupes blocklist rows; the last reason for a domain wins.
func NormalizeBlockedRows(rows []BlockedDomain) []BlockedDomain {
	index := make(map[string]int, len(rows))
	out := make([]BlockedDomain, 0, len(rows))
	for _, row := range rows {
		domain := NormalizeBlockedDomain(row.Domain)
		if domain == "" {
			continue
		}
		reason := strings.TrimSpace(row.Reason)
		if i, dup := index[domain]; dup {
			out[i].Reason = reason
			continue
		}
		index[domain] = len(out)
		out = append(out, BlockedDomain{Domain: domain, Reason: reason})
	}
	return out
}
