package crawler

// PreparedEntry is a NewEntry whose URL has been normalized and whose domain is known.
type PreparedEntry struct {
	URL          string
	Domain       string
	Priority     int
	MinedFromURL *string
}

// SeedEntries wraps seed URLs as priority-0 entries.
func SeedEntries(urls []string) []NewEntry {
	entries := make([]NewEntry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, NewEntry{URL: u})
	}
	return entries
}

// PrepareEntries normalizes entries, drops invalid URLs and collapses duplicates within
// the batch, keeping the first occurrence.
func PrepareEntries(entries []NewEntry) []PreparedEntry {
	out := make([]PreparedEntry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		normalized, err := NormalizeURL(e.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		domain, err := DomainOf(normalized)
		if err != nil {
			continue
		}
		seen[normalized] = struct{}{}
		p := PreparedEntry{URL: normalized, Domain: domain, Priority: e.Priority}
		if e.MinedFromURL != "" {
			mined := e.MinedFromURL
			p.MinedFromURL = &mined
		}
		out = append(out, p)
	}
	return out
}

// NormalizeAll normalizes urls, dropping invalid ones and duplicates.
func NormalizeAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		normalized, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
