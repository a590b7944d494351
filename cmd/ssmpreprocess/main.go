// ssmpreprocess coalesces the outbound store before a send run: runs of
// records sharing a header line are merged into single larger messages
// under <path>/combined_queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/apel/ssm/internal/coalesce"
	"github.com/apel/ssm/internal/config"
	"github.com/apel/ssm/internal/logging"
)

const version = "3.0.0"

func main() {
	configPath := pflag.StringP("config", "c", "/etc/apel/sender.cfg", "location of the config file")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ssmpreprocess %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath, config.RoleSender)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preprocessor failed to start: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg.Logfile, cfg.LogLevel, cfg.Console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logging: %v\nThe system will exit.\n", err)
		os.Exit(1)
	}

	log.Info().Msg(logging.Break)
	log.Info().Str("version", version).Str("path", cfg.QueuePath).Msg("starting SSM preprocessor")

	stats, err := coalesce.Run(cfg.QueuePath, cfg.PathType, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "preprocessor failed to complete successfully.  See log file for details.")
		log.Error().Err(err).Msg("preprocessor failed to complete successfully")
		log.Info().Msg(logging.Break)
		os.Exit(1)
	}

	log.Info().
		Int("read", stats.Read).
		Int("combined", stats.Combined).
		Int("dropped", stats.Dropped).
		Int("skipped", stats.Skipped).
		Msg("preprocessor run has finished")
	log.Info().Msg(logging.Break)
}
