package crawler

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadSeedFile reads one URL per line. Blank lines and lines starting with '#' are skipped.
func ReadSeedFile(path string) ([]string, error) {
	// #nosec G304 -- seed path is an operator-supplied CLI argument.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return urls, nil
}

// ReadBlockedCSV reads domain,reason rows. A leading "domain" header row is skipped.
func ReadBlockedCSV(path string) ([]BlockedDomain, error) {
	// #nosec G304 -- blocklist path is an operator-supplied CLI argument.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return ParseBlockedCSV(f)
}

// ParseBlockedCSV parses domain,reason rows from r.
func ParseBlockedCSV(r io.Reader) ([]BlockedDomain, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rows []BlockedDomain
	for line := 0; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse blocklist: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		domain := strings.TrimSpace(record[0])
		if line == 0 && strings.EqualFold(domain, "domain") {
			continue
		}
		if domain == "" {
			continue
		}
		row := BlockedDomain{Domain: strings.ToLower(domain)}
		if len(record) > 1 {
			row.Reason = strings.TrimSpace(record[1])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
