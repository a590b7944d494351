// Package agent glues the stores, envelope and transport into the two
// top-level roles: a one-shot sender that drains the outbound queue, and a
// long-lived receiver daemon that validates arriving messages.
package agent

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/apel/ssm/internal/brokers"
	"github.com/apel/ssm/internal/config"
	"github.com/apel/ssm/internal/crypto"
	"github.com/apel/ssm/internal/queue"
	"github.com/apel/ssm/internal/transport"
)

// sendPacing is the pause after each confirmed publish, keeping a long
// drain from saturating the broker.
const sendPacing = 100 * time.Millisecond

// Sender drains the outbound store, enveloping each record and publishing
// it with per-message confirmation.
type Sender struct {
	cfg   *config.Config
	log   zerolog.Logger
	store queue.Store
	trans transport.Transport
}

// NewSender validates the local identity, opens the outbound store and
// builds the transport. Broker resolution (single endpoint or BDII) has
// already happened.
func NewSender(cfg *config.Config, brokerList []brokers.Broker, log zerolog.Logger) (*Sender, error) {
	if err := checkIdentity(cfg); err != nil {
		return nil, err
	}

	hostDN, err := crypto.GetCertificateSubjectFromFile(cfg.Certificate)
	if err != nil {
		return nil, &crypto.Error{Kind: crypto.KindSignFailed, Detail: "cannot read host certificate", Err: err}
	}
	log.Info().Str("dn", hostDN).Msg("messages will be signed as")

	if cfg.ServerCert != "" {
		if cfg.ServerCert == cfg.Certificate {
			return nil, fmt.Errorf("%w: server_cert is the same as the host certificate; refusing to encrypt to self", config.ErrConfig)
		}
		peerDN, err := crypto.GetCertificateSubjectFromFile(cfg.ServerCert)
		if err != nil {
			return nil, &crypto.Error{Kind: crypto.KindBadCipher, Detail: "cannot read server certificate", Err: err}
		}
		log.Info().Str("dn", peerDN).Msg("messages will be encrypted for")

		if ok, err := crypto.VerifyCertDate(cfg.ServerCert, 0); err != nil || !ok {
			return nil, &crypto.Error{Kind: crypto.KindCertExpiring, Detail: "server certificate has expired", Err: err}
		}
		if cfg.VerifyServerCert {
			ok, err := crypto.VerifyCertPath(cfg.ServerCert, cfg.CAPath, cfg.CheckCRLs)
			if err != nil || !ok {
				return nil, &crypto.Error{
					Kind:   crypto.KindVerifyFailed,
					Detail: fmt.Sprintf("failed to verify server certificate %s against CA path %s", cfg.ServerCert, cfg.CAPath),
					Err:    err,
				}
			}
		}
	}

	store, err := queue.Open(cfg.QueuePath, cfg.PathType)
	if err != nil {
		return nil, err
	}

	trans, err := buildTransport(cfg, brokerList, log)
	if err != nil {
		return nil, err
	}
	if stomp, ok := trans.(*transport.Stomp); ok {
		stomp.SetDestination(cfg.Destination)
	}

	return &Sender{cfg: cfg, log: log, store: store, trans: trans}, nil
}

// HasMessages reports whether there is anything to send, so a run can skip
// connecting entirely.
func (s *Sender) HasMessages() bool {
	n, err := s.store.Count()
	if err != nil {
		s.log.Warn().Err(err).Msg("cannot count outbound messages")
		return false
	}
	return n > 0
}

// Run drains the store in enumeration order. Locked entries are skipped; a
// message is removed only after the broker has confirmed it.
func (s *Sender) Run() error {
	n, err := s.store.Count()
	if err != nil {
		return err
	}
	s.log.Info().Int("count", n).Msg("found messages")

	if err := s.trans.Start(); err != nil {
		return err
	}

	ids, err := s.store.Enumerate()
	if err != nil {
		return err
	}

	for _, id := range ids {
		ok, err := s.store.Lock(id)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Warn().Str("id", id).Msg("message was locked and will not be sent")
			continue
		}

		body, err := s.store.Get(id)
		if err != nil {
			return err
		}

		// Empty placeholders are legal on a STOMP session (they keep it
		// warm) but are never sent to AMS; the record stays queued rather
		// than being removed for a publish that never happened.
		if len(body) == 0 && s.cfg.Protocol == config.ProtocolAMS {
			s.log.Warn().Str("id", id).Msg("empty message will not be sent; leaving in place")
			continue
		}

		s.log.Info().Str("id", id).Msg("sending message")
		envelope, err := s.envelope(body)
		if err != nil {
			return err
		}
		if err := s.trans.Publish(envelope, id); err != nil {
			return err
		}
		time.Sleep(sendPacing)
		s.log.Info().Str("id", id).Msg("sent")

		if err := s.store.Remove(id); err != nil {
			return err
		}
	}

	s.log.Info().Msg("tidying message directory")
	if err := s.store.Purge(); err != nil {
		s.log.Warn().Err(err).Msg("error raised while purging message queue")
	}
	return nil
}

// envelope signs the record and, when a peer certificate is configured,
// encrypts the result. An empty body stays empty: some deployments publish
// placeholders to keep a STOMP session warm, and those must pass through
// unenveloped.
func (s *Sender) envelope(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	signed, err := crypto.Sign(body, s.cfg.Certificate, s.cfg.Key)
	if err != nil {
		return nil, err
	}
	if s.cfg.ServerCert == "" {
		return signed, nil
	}
	return crypto.Encrypt(signed, s.cfg.ServerCert, "aes128")
}

// Close shuts the transport down. Safe whether or not Run ever started it.
func (s *Sender) Close() {
	if err := s.trans.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("error closing connection")
	}
}

// checkIdentity enforces the startup certificate rules shared by both
// roles: the cert and key must pair up, and the certificate must not be
// expired or within a day of expiring.
func checkIdentity(cfg *config.Config) error {
	ok, err := crypto.CheckCertKey(cfg.Certificate, cfg.Key)
	if err != nil {
		return &crypto.Error{Kind: crypto.KindCertKeyMismatch, Detail: "cannot read certificate or key", Err: err}
	}
	if !ok {
		return &crypto.Error{Kind: crypto.KindCertKeyMismatch, Detail: "certificate and key do not match"}
	}

	ok, err = crypto.VerifyCertDate(cfg.Certificate, crypto.CertExpiryWindow)
	if err != nil {
		return &crypto.Error{Kind: crypto.KindCertExpiring, Detail: "cannot read certificate", Err: err}
	}
	if !ok {
		return &crypto.Error{
			Kind:   crypto.KindCertExpiring,
			Detail: fmt.Sprintf("certificate %s has expired or expires within %s", cfg.Certificate, crypto.CertExpiryWindow),
		}
	}
	return nil
}

// buildTransport constructs the variant the configuration names.
func buildTransport(cfg *config.Config, brokerList []brokers.Broker, log zerolog.Logger) (transport.Transport, error) {
	switch cfg.Protocol {
	case config.ProtocolAMS:
		amsCfg := transport.AmsConfig{
			Host:     cfg.BrokerHost,
			Project:  cfg.AmsProject,
			Token:    cfg.AmsToken,
			CertFile: cfg.Certificate,
			KeyFile:  cfg.Key,
		}
		if cfg.Role == config.RoleSender {
			amsCfg.Topic = cfg.Destination
		} else {
			amsCfg.Subscription = cfg.Destination
		}
		return transport.NewAms(amsCfg, log)
	default:
		return transport.NewStomp(transport.StompConfig{
			Brokers:  brokerList,
			UseSSL:   cfg.UseSSL,
			CertFile: cfg.Certificate,
			KeyFile:  cfg.Key,
			CAPath:   cfg.CAPath,
		}, log), nil
	}
}
