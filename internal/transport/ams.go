package transport

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	// amsTimeout bounds each HTTPS call; amsRetries is how many times a
	// failed call is retried before the error surfaces.
	amsTimeout = 10 * time.Second
	amsRetries = 3
)

// AmsConfig identifies the ARGO messaging service endpoint. The token is
// the preferred credential; with an empty token the client certificate and
// key stand in.
type AmsConfig struct {
	Host    string // endpoint host, no port
	Project string
	Token   string

	Topic        string // publish destination (sender)
	Subscription string // pull source (receiver)

	CertFile string
	KeyFile  string
}

// Ams is the stateless pull/ack HTTPS transport. No connection object is
// retained between calls.
type Ams struct {
	cfg      AmsConfig
	log      zerolog.Logger
	client   *retryablehttp.Client
	endpoint string // scheme + host; tests point this at a local server
}

// NewAms builds an AMS transport.
func NewAms(cfg AmsConfig, log zerolog.Logger) (*Ams, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = amsRetries
	client.Logger = nil
	client.HTTPClient.Timeout = amsTimeout

	if cfg.Token == "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errKind(KindAuthRejected, nil, "no token and no certificate/key pair configured")
		}
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errKind(KindAuthRejected, err, "cannot load client certificate")
		}
		client.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
		}
	}

	return &Ams{
		cfg:      cfg,
		log:      log.With().Str("component", "ams").Logger(),
		client:   client,
		endpoint: "https://" + cfg.Host,
	}, nil
}

// Start is a no-op: every operation builds its own request.
func (a *Ams) Start() error { return nil }

// Stop is a no-op.
func (a *Ams) Stop() error { return nil }

// Ping is a no-op; there is no session to keep alive.
func (a *Ams) Ping() error { return nil }

// Reconnect is a no-op.
func (a *Ams) Reconnect() error { return nil }

// Healthy is always true; failures surface per call.
func (a *Ams) Healthy() bool { return true }

// Subscribe is not meaningful for a pull transport.
func (a *Ams) Subscribe(string, Handler) error { return nil }

type amsMessage struct {
	MessageID  string            `json:"messageId,omitempty"`
	Data       []byte            `json:"data"` // base64 on the wire
	Attributes map[string]string `json:"attributes,omitempty"`
}

type amsReceived struct {
	AckID   string     `json:"ackId"`
	Message amsMessage `json:"message"`
}

// Publish wraps the body as an AMS message carrying the empa-id as an
// attribute. Empty bodies are never sent; unlike a STOMP session there is
// nothing here an empty placeholder could keep alive.
func (a *Ams) Publish(body []byte, id string) error {
	if len(body) == 0 {
		a.log.Debug().Str("id", id).Msg("dropping empty message")
		return nil
	}

	payload := map[string]any{
		"messages": []amsMessage{{Data: body, Attributes: map[string]string{"empaid": id}}},
	}
	var reply struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := a.call("topics/"+a.cfg.Topic+":publish", payload, &reply); err != nil {
		return err
	}
	if len(reply.MessageIDs) > 0 {
		a.log.Debug().Str("id", id).Str("msgid", reply.MessageIDs[0]).Msg("published")
	}
	return nil
}

// Pull fetches up to max messages, delivers each to handler, then acks the
// whole batch. Acks are sent even when the handler's downstream write
// failed: redelivering a poisoned message would block the head of the
// subscription, and recovery goes through the reject queue instead.
func (a *Ams) Pull(max int, handler Handler) error {
	if max <= 0 {
		max = 1
	}

	payload := map[string]string{"maxMessages": fmt.Sprintf("%d", max)}
	var reply struct {
		ReceivedMessages []amsReceived `json:"receivedMessages"`
	}
	if err := a.call("subscriptions/"+a.cfg.Subscription+":pull", payload, &reply); err != nil {
		return err
	}

	ackIDs := make([]string, 0, len(reply.ReceivedMessages))
	for _, rm := range reply.ReceivedMessages {
		empaID := rm.Message.Attributes["empaid"]
		if empaID == "" {
			// Published outside this pipeline.
			empaID = "N/A"
		}
		a.log.Info().Str("id", empaID).Str("msgid", rm.Message.MessageID).Msg("received message")
		handler(empaID, rm.Message.Data)
		ackIDs = append(ackIDs, rm.AckID)
	}

	if len(ackIDs) == 0 {
		return nil
	}
	return a.call("subscriptions/"+a.cfg.Subscription+":acknowledge",
		map[string][]string{"ackIds": ackIDs}, nil)
}

// call POSTs a JSON payload to an AMS operation and decodes the response.
func (a *Ams) call(op string, payload, reply any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errKind(KindLostConnection, err, "cannot encode %s request", op)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/%s?key=%s",
		a.endpoint, a.cfg.Project, op, a.cfg.Token)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return errKind(KindLostConnection, err, "cannot build %s request", op)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return errKind(KindLostConnection, err, "%s failed", op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errKind(KindAuthRejected, nil, "%s returned %s", op, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return errKind(KindLostConnection, nil, "%s returned %s", op, resp.Status)
	}

	if reply == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return errKind(KindLostConnection, err, "cannot decode %s response", op)
	}
	return nil
}
