// Package coalesce merges consecutive outbound records that share a header
// line into fewer, larger messages, cutting the per-message envelope and
// broker overhead before a send run.
package coalesce

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/apel/ssm/internal/queue"
)

// MaxBatch is the most records combined into one output message.
const MaxBatch = 500

// CombinedDirName is the sibling directory the combined store is built in.
const CombinedDirName = "combined_queue"

// headerPattern is the eligibility check for a record's first line. The
// strict single-digit minor version is deliberate: two-digit minors have
// never been produced and loosening the match would silently combine
// records of a format this code has not seen.
var headerPattern = regexp.MustCompile(`^APEL(?:-[a-z]+)+-message: v[0-9]\.[0-9]$`)

// HeaderEligible reports whether a record header line can be combined.
func HeaderEligible(header string) bool {
	return headerPattern.MatchString(header)
}

// Stats summarises one coalescing run.
type Stats struct {
	Read     int // records consumed from the source store
	Combined int // messages written to the combined store
	Dropped  int // records removed without being combined (bad header)
	Skipped  int // records left in place because their lock was held
}

// Run walks the store at path in drain order, combining consecutive
// same-header records into a fresh store at path/combined_queue using the
// same backend. Every processed source record is removed; records whose
// lock cannot be taken are skipped with a warning and left for next time.
func Run(path, pathType string, log zerolog.Logger) (Stats, error) {
	var stats Stats

	src, err := queue.Open(path, pathType)
	if err != nil {
		return stats, err
	}
	combined, err := queue.Open(filepath.Join(path, CombinedDirName), pathType)
	if err != nil {
		return stats, err
	}

	ids, err := src.Enumerate()
	if err != nil {
		return stats, err
	}

	var (
		batch          strings.Builder
		previousHeader string
		batchSize      int
	)

	emit := func() error {
		if batchSize == 0 {
			return nil
		}
		id, err := combined.Add([]byte(batch.String()))
		if err != nil {
			return fmt.Errorf("writing combined message: %w", err)
		}
		log.Debug().Str("id", id).Int("records", batchSize).Msg("combined message written")
		stats.Combined++
		batch.Reset()
		batchSize = 0
		return nil
	}

	for _, id := range ids {
		ok, err := src.Lock(id)
		if err != nil {
			return stats, err
		}
		if !ok {
			log.Warn().Str("id", id).Msg("message was locked and will not be read")
			stats.Skipped++
			continue
		}

		body, err := src.Get(id)
		if err != nil {
			return stats, err
		}
		stats.Read++

		text := string(body)
		header, rest, _ := strings.Cut(text, "\n")

		if HeaderEligible(header) {
			switch {
			case header == previousHeader && batchSize < MaxBatch:
				batch.WriteByte('\n')
				batch.WriteString(rest)
				batchSize++
			default:
				if err := emit(); err != nil {
					return stats, err
				}
				batch.WriteString(text)
				previousHeader = header
				batchSize = 1
			}
		} else {
			log.Debug().Str("id", id).Str("header", header).Msg("record header not recognised; dropping")
			stats.Dropped++
		}

		if err := src.Remove(id); err != nil {
			return stats, err
		}
	}

	if err := emit(); err != nil {
		return stats, err
	}

	if err := src.Purge(); err != nil {
		// Mirrors the send path: tidying failures never abort a run.
		log.Warn().Err(err).Msg("error while purging message queue")
	}

	return stats, nil
}
