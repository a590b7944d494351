// ssmsend drains the outbound message store: every record is signed,
// optionally encrypted, and published to the configured broker. One-shot;
// run it from cron or a timer.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/apel/ssm/internal/agent"
	"github.com/apel/ssm/internal/brokers"
	"github.com/apel/ssm/internal/config"
	"github.com/apel/ssm/internal/crypto"
	"github.com/apel/ssm/internal/logging"
	"github.com/apel/ssm/internal/transport"
)

const version = "3.0.0"

func main() {
	configPath := pflag.StringP("config", "c", "/etc/apel/sender.cfg", "location of the config file")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ssmsend %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath, config.RoleSender)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SSM failed to start: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg.Logfile, cfg.LogLevel, cfg.Console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logging: %v\nThe system will exit.\n", err)
		os.Exit(1)
	}

	log.Info().Msg(logging.Break)
	log.Info().Str("version", version).Msg("starting sending SSM")

	if err := run(cfg, log); err != nil {
		fmt.Fprintln(os.Stderr, "SSM failed to complete successfully.  See log file for details.")
		logFailure(log, err)
		log.Info().Msg("SSM has shut down")
		log.Info().Msg(logging.Break)
		os.Exit(1)
	}

	log.Info().Msg("SSM has shut down")
	log.Info().Msg(logging.Break)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	brokerList, err := resolveBrokers(cfg, log)
	if err != nil {
		return err
	}

	sender, err := agent.NewSender(cfg, brokerList, log)
	if err != nil {
		return err
	}
	defer sender.Close()

	if !sender.HasMessages() {
		log.Info().Msg("no messages found to send")
		return nil
	}
	if err := sender.Run(); err != nil {
		return err
	}
	log.Info().Msg("SSM run has finished")
	return nil
}

// resolveBrokers turns the broker configuration into a connection list:
// a BDII lookup when one is configured, the single endpoint otherwise.
// AMS needs no list at all.
func resolveBrokers(cfg *config.Config, log zerolog.Logger) ([]brokers.Broker, error) {
	if cfg.Protocol == config.ProtocolAMS {
		return nil, nil
	}
	if !cfg.UsesBDII() {
		return []brokers.Broker{{Host: cfg.BrokerHost, Port: cfg.BrokerPort}}, nil
	}

	getter, err := brokers.NewStompBrokerGetter(cfg.BDII)
	if err != nil {
		return nil, err
	}
	defer getter.Close()

	service := brokers.StompService
	if cfg.UseSSL {
		service = brokers.StompSSLService
	}
	list, err := getter.BrokerHostsAndPorts(service, cfg.Network)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &transport.Error{Kind: transport.KindNoBroker,
			Detail: fmt.Sprintf("no brokers found in BDII %s for network %s", cfg.BDII, cfg.Network)}
	}
	log.Info().Int("count", len(list)).Msg("brokers found in BDII")
	return list, nil
}

// logFailure writes the failure at the right level: expected error kinds
// get a one-line error, anything else is flagged as unexpected.
func logFailure(log zerolog.Logger, err error) {
	var cryptoErr *crypto.Error
	var transErr *transport.Error
	switch {
	case errors.As(err, &cryptoErr), errors.As(err, &transErr), errors.Is(err, config.ErrConfig):
		log.Error().Err(err).Msg("SSM failed to complete successfully")
	default:
		log.Error().Err(err).Str("type", fmt.Sprintf("%T", err)).Msg("unexpected exception in SSM")
	}
}
