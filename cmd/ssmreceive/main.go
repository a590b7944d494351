// ssmreceive is the receiver daemon: it subscribes to the broker
// destination, verifies every arriving message against the trust list and
// files it into the incoming or reject queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/apel/ssm/internal/agent"
	"github.com/apel/ssm/internal/brokers"
	"github.com/apel/ssm/internal/config"
	"github.com/apel/ssm/internal/logging"
	"github.com/apel/ssm/internal/transport"
)

const version = "3.0.0"

func main() {
	configPath := pflag.StringP("config", "c", "/etc/apel/receiver.cfg", "location of the config file")
	dnFile := pflag.StringP("dn_file", "d", "/etc/apel/dns", "location of the valid DNs file")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ssmreceive %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath, config.RoleReceiver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SSM failed to start: %v\n", err)
		os.Exit(1)
	}

	// The pidfile is a breadcrumb, not a lock: a leftover file means an
	// unclean exit or a live receiver, and either way an operator needs to
	// look before this process goes any further.
	if cfg.Pidfile != "" && agent.PidfileExists(cfg.Pidfile) {
		fmt.Fprintf(os.Stderr, "cannot start SSM: pidfile %s already exists\n", cfg.Pidfile)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg.Logfile, cfg.LogLevel, cfg.Console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logging: %v\nThe system will exit.\n", err)
		os.Exit(1)
	}

	log.Info().Msg(logging.Break)
	log.Info().Str("version", version).Msg("starting receiving SSM")

	if err := run(cfg, *dnFile, log); err != nil {
		fmt.Fprintln(os.Stderr, "SSM failed to complete successfully.  See log file for details.")
		log.Error().Err(err).Msg("SSM failed to complete successfully")
		log.Info().Msg(logging.Break)
		os.Exit(1)
	}

	log.Info().Msg(logging.Break)
}

func run(cfg *config.Config, dnFile string, log zerolog.Logger) error {
	brokerList, err := resolveBrokers(cfg, log)
	if err != nil {
		return err
	}

	receiver, err := agent.NewReceiver(cfg, brokerList, dnFile, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return receiver.Run(ctx)
}

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
