package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/apel/ssm/internal/brokers"
	"github.com/apel/ssm/internal/config"
	"github.com/apel/ssm/internal/crypto"
	"github.com/apel/ssm/internal/queue"
	"github.com/apel/ssm/internal/transport"
)

const (
	// RefreshDNsInterval is how often the trust list is re-read, and the
	// keep-alive ping cadence for STOMP sessions.
	RefreshDNsInterval = 600 * time.Second

	// loopTick paces the receiver's main loop.
	loopTick = 100 * time.Millisecond

	// reconnectCooldown is the wait before reconnecting after a lost
	// connection. Long for a transient blip, but brokers that rate-limit
	// reconnect storms depend on it.
	reconnectCooldown = 10 * time.Minute
)

// Reject reasons written to the reject queue's error field.
const (
	rejectUnverifiable = "Could not extract message."
	rejectUntrusted    = "Signer not in valid DNs list."
	rejectBanned       = "Signer is in the banned DNs list."

	// signerUnavailable stands in for the signer field when crypto failed
	// before a signer could be extracted.
	signerUnavailable = "Not available."
)

// Receiver subscribes to the broker destination and files every arriving
// message into the incoming or reject queue.
type Receiver struct {
	cfg    *config.Config
	log    zerolog.Logger
	dnFile string

	inq     *queue.EntryQueue
	rejectq *queue.EntryQueue
	trans   transport.Transport

	// Swapped whole on reload; read from the transport's dispatch
	// goroutine.
	valid  atomic.Pointer[dnSet]
	banned atomic.Pointer[dnSet]
}

// NewReceiver validates configuration and trust, opens both queues and
// builds the transport. An empty trust list is fatal.
func NewReceiver(cfg *config.Config, brokerList []brokers.Broker, dnFile string, log zerolog.Logger) (*Receiver, error) {
	if err := checkIdentity(cfg); err != nil {
		return nil, err
	}

	r := &Receiver{cfg: cfg, log: log, dnFile: dnFile}

	log.Info().Msg("fetching valid DNs")
	if err := r.reloadDNs(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	var err error
	r.inq, err = queue.NewEntryQueue(filepath.Join(cfg.QueuePath, "incoming"), queue.InboxSchema)
	if err != nil {
		return nil, err
	}
	r.rejectq, err = queue.NewEntryQueue(filepath.Join(cfg.QueuePath, "reject"), queue.RejectSchema)
	if err != nil {
		return nil, err
	}

	r.trans, err = buildTransport(cfg, brokerList, log)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// reloadDNs re-reads the trust list (and the banned list when configured)
// and publishes the new sets atomically. Reads are full re-reads, never
// diffs.
func (r *Receiver) reloadDNs() error {
	valid, err := LoadValidDNs(r.dnFile, r.log)
	if err != nil {
		return err
	}
	r.valid.Store(&valid)

	if r.cfg.BannedDNsFile != "" {
		r.log.Info().Msg("fetching banned DNs")
		banned, err := LoadBannedDNs(r.cfg.BannedDNsFile, r.log)
		if err != nil {
			return err
		}
		r.banned.Store(&banned)
	}
	return nil
}

// Run is the receiver daemon loop. It returns nil on a clean shutdown via
// ctx, and an error for anything that should terminate the daemon.
func (r *Receiver) Run(ctx context.Context) error {
	if r.cfg.Pidfile != "" {
		if err := WritePidfile(r.cfg.Pidfile); err != nil {
			r.log.Warn().Err(err).Str("pidfile", r.cfg.Pidfile).Msg("failed to create pidfile")
		}
	}

	if err := r.connect(); err != nil {
		return err
	}

	var i uint64
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-time.After(loopTick):
		}

		var loopErr error
		if r.cfg.Protocol == config.ProtocolAMS {
			loopErr = r.trans.Pull(1, r.OnMessage)
		} else if !r.trans.Healthy() {
			loopErr = &transport.Error{Kind: transport.KindLostConnection}
		}

		if loopErr == nil && i%uint64(RefreshDNsInterval/loopTick) == 0 {
			r.log.Info().Msg("refreshing valid DNs and sending ping")
			if err := r.reloadDNs(); err != nil {
				// A trust list that fails to reload keeps its last good
				// contents; refusing everything would be worse.
				r.log.Error().Err(err).Msg("failed to refresh DN lists")
			}
			if r.cfg.Protocol == config.ProtocolSTOMP {
				loopErr = r.trans.Ping()
			}
		}

		if loopErr != nil {
			if !errors.Is(loopErr, &transport.Error{Kind: transport.KindLostConnection}) {
				// Abnormal exit: the pidfile is left behind for the operator.
				_ = r.trans.Stop()
				return loopErr
			}
			r.log.Warn().Err(loopErr).Msg("connection lost")
			if err := r.coolDownAndReconnect(ctx); err != nil {
				return err
			}
		}
		i++
	}
}

// coolDownAndReconnect stops the transport, waits out the cooldown and
// starts again. A shutdown signal during the wait wins.
func (r *Receiver) coolDownAndReconnect(ctx context.Context) error {
	_ = r.trans.Stop()
	r.log.Info().Dur("wait", reconnectCooldown).Msg("waiting before restarting")

	select {
	case <-ctx.Done():
		r.shutdown()
		return nil
	case <-time.After(reconnectCooldown):
	}

	r.log.Info().Msg("restarting")
	return r.connect()
}

func (r *Receiver) connect() error {
	if err := r.trans.Start(); err != nil {
		return err
	}
	if r.cfg.Protocol == config.ProtocolSTOMP {
		return r.trans.Subscribe(r.cfg.Destination, r.OnMessage)
	}
	return nil
}

func (r *Receiver) shutdown() {
	_ = r.trans.Stop()
	RemovePidfile(r.cfg.Pidfile, r.log)
	r.log.Info().Msg("receiver has shut down")
}

// OnMessage classifies one delivered message. Keep-alive pings are
// discarded; everything else lands in exactly one of the two queues.
// Store write failures are logged and swallowed: ack policy belongs to the
// transport, and redelivery is not expected.
func (r *Receiver) OnMessage(empaID string, body []byte) {
	if empaID == transport.PingID {
		r.log.Info().Msg("received ping message")
		return
	}
	r.log.Info().Str("id", empaID).Msg("received message")

	plaintext, signer, err := r.extract(body)
	if err != nil {
		reason := rejectUntrusted
		var cryptoErr *crypto.Error
		if errors.As(err, &cryptoErr) {
			reason = rejectUnverifiable
		} else if errors.Is(err, errBanned) {
			reason = rejectBanned
		}
		r.log.Warn().Err(err).Str("id", empaID).Msg("message rejected")

		fields := map[string]string{
			"body":   string(body),
			"error":  reason,
			"empaid": empaID,
		}
		if signer == "" {
			signer = signerUnavailable
		}
		fields["signer"] = signer

		if name, err := r.rejectq.Add(fields); err != nil {
			r.log.Error().Err(err).Msg("failed to write to reject queue")
		} else {
			r.log.Info().Str("name", name).Msg("message saved to reject queue")
		}
		return
	}

	name, err := r.inq.Add(map[string]string{
		"body":   string(plaintext),
		"signer": signer,
		"empaid": empaID,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to write to incoming queue")
		return
	}
	r.log.Info().Str("name", name).Msg("message saved to incoming queue")
}

var errBanned = errors.New("signer is banned")
var errUntrusted = errors.New("signer not in valid DNs list")

// extract decrypts (when necessary) and verifies the message, then applies
// the trust policy. It returns the plaintext and signer on acceptance; on
// rejection the signer is returned when one could be established.
func (r *Receiver) extract(body []byte) ([]byte, string, error) {
	if len(body) == 0 {
		return nil, "", &crypto.Error{Kind: crypto.KindVerifyFailed, Detail: "empty message"}
	}

	document := body
	if crypto.IsEncrypted(document) {
		var err error
		document, err = crypto.Decrypt(document, r.cfg.Certificate, r.cfg.Key)
		if err != nil {
			r.log.Error().Err(err).Msg("failed to decrypt message")
			return nil, "", err
		}
	}

	plaintext, signer, err := crypto.Verify(document, r.cfg.CAPath, r.cfg.CheckCRLs)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to verify message")
		return nil, "", err
	}

	if banned := r.banned.Load(); banned != nil && (*banned).contains(signer) {
		r.log.Warn().Str("signer", signer).Msg("signer is in the banned DNs list")
		return nil, signer, errBanned
	}
	valid := r.valid.Load()
	if valid == nil || !(*valid).contains(signer) {
		r.log.Warn().Str("signer", signer).Msg("signer not in valid DNs list")
		return nil, signer, errUntrusted
	}

	r.log.Info().Str("signer", signer).Msg("valid signer")
	return plaintext, signer, nil
}
