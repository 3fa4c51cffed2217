package crawler

import (
	"crypto/sha1" // #nosec G505 -- used for path naming, not security.
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

const maxPathSegment = 120

// BlobPath derives the storage path for a page body from its host, fetch date and path.
func BlobPath(prefix string, rawURL string, fetchedAt time.Time) string {
	host := "unknown"
	p := ""
	if u, err := url.Parse(rawURL); err == nil {
		if h := u.Hostname(); h != "" {
			host = invalidFilenameChars.ReplaceAllString(strings.ToLower(h), "_")
		}
		p = strings.Trim(u.Path, "/")
	}
	if p == "" {
		p = "root"
	}
	p = invalidFilenameChars.ReplaceAllString(p, "_")
	if len(p) > maxPathSegment {
		p = p[:maxPathSegment]
	}
	name := fmt.Sprintf("%s_%s.html", p, hashURL(rawURL)[:16])
	return path.Join(strings.Trim(prefix, "/"), host, fetchedAt.UTC().Format("2006-01-02"), name)
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw)) // #nosec G401 -- not used for security.
	return hex.EncodeToString(sum[:])
}
