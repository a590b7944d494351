package agent

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// WritePidfile records this process's PID. The pidfile is a breadcrumb for
// operators, not a lock; whether to refuse startup over an existing one is
// the caller's policy.
func WritePidfile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// PidfileExists reports whether a pidfile is already present.
func PidfileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemovePidfile deletes the pidfile on clean shutdown, warning rather than
// failing when it has gone missing. It is never called on abnormal exit:
// the leftover file is what tells the operator something went wrong.
func RemovePidfile(path string, log zerolog.Logger) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		log.Warn().Str("pidfile", path).Msg("pidfile not found")
	default:
		log.Warn().Err(err).Str("pidfile", path).Msg("failed to remove pidfile; the agent may not start again until it is removed")
	}
}
