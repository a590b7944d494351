package agent

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// dnSet is a loaded trust or ban list. Lookups happen on the transport's
// dispatch goroutine while reloads happen on the main loop, so sets are
// never mutated: a reload builds a new set and swaps the pointer.
type dnSet map[string]struct{}

func (s dnSet) contains(dn string) bool {
	_, ok := s[dn]
	return ok
}

// loadDNFile reads a DN list: blank lines and '#' comments are ignored,
// lines starting with '/' are entries, anything else is warned about and
// skipped.
func loadDNFile(path string, log zerolog.Logger) (dnSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := make(dnSet)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "/"):
			set[line] = struct{}{}
		default:
			log.Warn().Str("line", line).Msg("DN in incorrect format")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// LoadValidDNs reads the trust list. A receiver with no valid DNs cannot
// accept anything, so an empty result is an error.
func LoadValidDNs(path string, log zerolog.Logger) (dnSet, error) {
	set, err := loadDNFile(path, log)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no valid DNs found in %s", path)
	}
	log.Debug().Int("count", len(set)).Msg("DNs found")
	return set, nil
}

// LoadBannedDNs reads the banned list; an empty list is fine.
func LoadBannedDNs(path string, log zerolog.Logger) (dnSet, error) {
	return loadDNFile(path, log)
}
