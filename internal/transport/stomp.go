package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gmallard/stompngo"
	"github.com/rs/zerolog"

	"github.com/apel/ssm/internal/brokers"
)

// ConnState is the STOMP session state.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateDisconnecting
	StateDead
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	// ConnectionTimeout bounds each broker CONNECT attempt.
	ConnectionTimeout = 10 * time.Second

	// reconnectSettle lets the peer-side subscription drop before a new
	// CONNECT; reconnecting faster can resurrect the old session.
	reconnectSettle = 2 * time.Second

	// healthPollInterval paces connection checks while waiting for a
	// publish receipt.
	healthPollInterval = 10 * time.Millisecond

	// subscriptionID is fixed: one subscription per connection.
	subscriptionID = "1"
)

// StompConfig carries everything needed to reach the broker list.
type StompConfig struct {
	Brokers []brokers.Broker
	UseSSL  bool

	// Client identity and trust for TLS sessions.
	CertFile string
	KeyFile  string
	CAPath   string

	Username string
	Password string
}

// Stomp is the long-lived STOMP session transport.
type Stomp struct {
	cfg StompConfig
	log zerolog.Logger

	mu      sync.Mutex
	state   ConnState
	conn    *stompngo.Connection
	netConn net.Conn

	// Re-established after a reconnect.
	destination string
	handler     Handler
	subDone     chan struct{}
}

// NewStomp builds a transport for the given broker list.
func NewStomp(cfg StompConfig, log zerolog.Logger) *Stomp {
	return &Stomp{cfg: cfg, log: log.With().Str("component", "stomp").Logger()}
}

// State reports the current session state.
func (s *Stomp) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the session is connected from stompngo's point
// of view.
func (s *Stomp) Healthy() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.Connected()
}

// Start walks the broker list in order and keeps the first session whose
// CONNECT succeeds within the timeout. With the list exhausted the
// transport is dead and the run cannot proceed.
func (s *Stomp) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Stomp) startLocked() error {
	s.state = StateConnecting

	if !s.cfg.UseSSL {
		s.log.Warn().Msg("connecting without TLS; message envelopes are the only protection")
	}

	for _, broker := range s.cfg.Brokers {
		conn, netConn, err := s.connectOne(broker)
		if err != nil {
			s.log.Warn().Err(err).Str("broker", broker.String()).Msg("failed to connect")
			continue
		}
		s.log.Info().Str("broker", broker.String()).Msg("connected")
		s.conn = conn
		s.netConn = netConn
		s.state = StateConnected
		return nil
	}

	s.state = StateDead
	return errKind(KindNoBroker, nil, "all %d brokers failed", len(s.cfg.Brokers))
}

func (s *Stomp) connectOne(broker brokers.Broker) (*stompngo.Connection, net.Conn, error) {
	addr := net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port))

	var (
		netConn net.Conn
		err     error
	)
	if s.cfg.UseSSL {
		tlsCfg, tlsErr := s.tlsConfig(broker.Host)
		if tlsErr != nil {
			return nil, nil, tlsErr
		}
		dialer := &net.Dialer{Timeout: ConnectionTimeout}
		netConn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		netConn, err = net.DialTimeout("tcp", addr, ConnectionTimeout)
	}
	if err != nil {
		return nil, nil, err
	}

	headers := stompngo.Headers{
		stompngo.HK_ACCEPT_VERSION, stompngo.SPL_11,
		stompngo.HK_HOST, broker.Host,
		stompngo.HK_HEART_BEAT, "0,0",
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		headers = headers.Add(stompngo.HK_LOGIN, s.cfg.Username)
		headers = headers.Add(stompngo.HK_PASSCODE, s.cfg.Password)
	}

	netConn.SetDeadline(time.Now().Add(ConnectionTimeout))
	conn, err := stompngo.Connect(netConn, headers)
	if err != nil {
		netConn.Close()
		return nil, nil, err
	}
	netConn.SetDeadline(time.Time{})
	return conn, netConn, nil
}

func (s *Stomp) tlsConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName}

	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	if s.cfg.CAPath != "" {
		pool := x509.NewCertPool()
		entries, err := os.ReadDir(s.cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read CA path: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			pemData, err := os.ReadFile(filepath.Join(s.cfg.CAPath, entry.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(pemData)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Stop disconnects cleanly. It tolerates a transport that was never
// started.
func (s *Stomp) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnecting
	s.closeLocked()
	s.state = StateIdle
	s.log.Info().Msg("connection ended")
	return nil
}

func (s *Stomp) closeLocked() {
	if s.conn != nil {
		// Disconnect errors are expected when the peer is already gone.
		_ = s.conn.Disconnect(stompngo.Headers{})
		s.conn = nil
	}
	if s.netConn != nil {
		_ = s.netConn.Close()
		s.netConn = nil
	}
	if s.subDone != nil {
		close(s.subDone)
		s.subDone = nil
	}
}

// Publish sends one message with a receipt request and waits for the
// matching RECEIPT frame. Connection health is polled while waiting, so a
// dropped session aborts the wait instead of hanging.
func (s *Stomp) Publish(body []byte, id string) error {
	s.mu.Lock()
	conn := s.conn
	dest := s.destination
	s.mu.Unlock()
	if conn == nil {
		return errKind(KindLostConnection, nil, "publish on unconnected transport")
	}

	headers := stompngo.Headers{
		stompngo.HK_DESTINATION, dest,
		stompngo.HK_RECEIPT, id,
		"empa-id", id,
	}
	if err := conn.Send(headers, string(body)); err != nil {
		return errKind(KindLostConnection, err, "send failed for %s", id)
	}

	for {
		select {
		case md, ok := <-conn.MessageData:
			if !ok {
				return errKind(KindLostConnection, nil, "session closed while awaiting receipt for %s", id)
			}
			if md.Error != nil {
				return errKind(KindLostConnection, md.Error, "session error while awaiting receipt for %s", id)
			}
			switch md.Message.Command {
			case stompngo.RECEIPT:
				if md.Message.Headers.Value(stompngo.HK_RECEIPT_ID) == id {
					s.log.Debug().Str("id", id).Msg("broker received message")
					return nil
				}
			case stompngo.ERROR:
				return errKind(KindLostConnection, nil, "broker error frame: %s", md.Message.Body)
			}
		case <-time.After(healthPollInterval):
			if !conn.Connected() {
				return errKind(KindLostConnection, nil, "connection dropped while awaiting receipt for %s", id)
			}
		}
	}
}

// SetDestination fixes the SEND destination for this session.
func (s *Stomp) SetDestination(dest string) {
	s.mu.Lock()
	s.destination = dest
	s.mu.Unlock()
}

// Subscribe opens the session's single subscription and dispatches every
// MESSAGE frame to handler from a background goroutine. The empa-id header
// defaults to "noid" for frames published outside this pipeline.
func (s *Stomp) Subscribe(destination string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errKind(KindLostConnection, nil, "subscribe on unconnected transport")
	}

	headers := stompngo.Headers{
		stompngo.HK_DESTINATION, destination,
		stompngo.HK_ID, subscriptionID,
		stompngo.HK_ACK, "auto",
	}
	ch, err := s.conn.Subscribe(headers)
	if err != nil {
		return errKind(KindLostConnection, err, "subscribe to %s failed", destination)
	}
	s.log.Info().Str("destination", destination).Msg("subscribed")

	s.destination = destination
	s.handler = handler
	s.state = StateSubscribed
	done := make(chan struct{})
	s.subDone = done

	go func() {
		for {
			select {
			case md, ok := <-ch:
				if !ok {
					return
				}
				if md.Error != nil || md.Message.Command != stompngo.MESSAGE {
					continue
				}
				empaID := md.Message.Headers.Value("empa-id")
				if empaID == "" {
					empaID = "noid"
				}
				handler(empaID, md.Message.Body)
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Ping begins and immediately aborts a transaction. Brokers drop sessions
// idle for an hour or so; this is the cheapest frame pair that resets the
// clock.
func (s *Stomp) Ping() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errKind(KindLostConnection, nil, "ping on unconnected transport")
	}

	txID := strconv.FormatInt(time.Now().UnixNano(), 10)
	headers := stompngo.Headers{"transaction", txID}
	if err := conn.Begin(headers); err != nil {
		return errKind(KindLostConnection, err, "ping begin failed")
	}
	if err := conn.Abort(headers); err != nil {
		return errKind(KindLostConnection, err, "ping abort failed")
	}
	return nil
}

// Reconnect closes whatever is left of the session, waits for the peer
// side to notice, then walks the broker list again and re-subscribes if
// this transport had a subscription.
func (s *Stomp) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	time.Sleep(reconnectSettle)

	if err := s.startLocked(); err != nil {
		s.state = StateDead
		return err
	}
	if s.handler != nil && s.destination != "" {
		dest, handler := s.destination, s.handler
		s.mu.Unlock()
		err := s.Subscribe(dest, handler)
		s.mu.Lock()
		if err != nil {
			s.state = StateDead
			return err
		}
	}
	return nil
}

// Pull is not meaningful for a push transport.
func (s *Stomp) Pull(int, Handler) error { return nil }
