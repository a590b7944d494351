package agent

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/apel/ssm/internal/config"
	"github.com/apel/ssm/internal/crypto"
	"github.com/apel/ssm/internal/queue"
	"github.com/apel/ssm/internal/transport"
)

// identity is an on-disk CA directory plus a leaf certificate and key.
type identity struct {
	caPath   string
	certPath string
	keyPath  string
	subject  string
}

func newIdentity(t *testing.T, cn string) identity {
	return newIdentityWithExpiry(t, cn, time.Now().Add(72*time.Hour))
}

func newIdentityWithExpiry(t *testing.T, cn string, notAfter time.Time) identity {
	t.Helper()
	dir := t.TempDir()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Country: []string{"UK"}, Organization: []string{"STFC"}, CommonName: "Agent Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(72 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	caDir := filepath.Join(dir, "capath")
	os.Mkdir(caDir, 0o755)
	writePEMFile(t, filepath.Join(caDir, "ca.pem"), "CERTIFICATE", caDER)

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Country: []string{"UK"}, Organization: []string{"STFC"}, CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writePEMFile(t, certPath, "CERTIFICATE", leafDER)
	writePEMFile(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey))

	return identity{
		caPath:   caDir,
		certPath: certPath,
		keyPath:  keyPath,
		subject:  "/C=UK/O=STFC/CN=" + cn,
	}
}

func writePEMFile(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
}

// newTestReceiver wires a Receiver whose trust list holds the given DNs.
func newTestReceiver(t *testing.T, self identity, trusted, banned []string) *Receiver {
	t.Helper()
	dir := t.TempDir()

	var dns bytes.Buffer
	for _, dn := range trusted {
		dns.WriteString(dn + "\n")
	}
	dnFile := filepath.Join(dir, "dns")
	if err := os.WriteFile(dnFile, dns.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Role:        config.RoleReceiver,
		Protocol:    config.ProtocolSTOMP,
		QueuePath:   filepath.Join(dir, "messages"),
		PathType:    queue.PathTypeDirq,
		Destination: "/queue/accounting",
		Certificate: self.certPath,
		Key:         self.keyPath,
		CAPath:      self.caPath,
	}
	if len(banned) > 0 {
		var b bytes.Buffer
		for _, dn := range banned {
			b.WriteString(dn + "\n")
		}
		bannedFile := filepath.Join(dir, "banned-dns")
		if err := os.WriteFile(bannedFile, b.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.BannedDNsFile = bannedFile
	}

	r, err := NewReceiver(cfg, nil, dnFile, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return r
}

func entries(t *testing.T, q *queue.EntryQueue) []map[string]string {
	t.Helper()
	ids, err := q.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]string
	for _, id := range ids {
		fields, err := q.GetEntry(id)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, fields)
	}
	return out
}

func TestReceiverAcceptsTrustedMessage(t *testing.T) {
	sender := newIdentity(t, "sender.example.org")
	// The receiver shares the CA directory so the sender's chain
	// verifies.
	receiver := identity{
		caPath:   sender.caPath,
		certPath: sender.certPath,
		keyPath:  sender.keyPath,
	}
	r := newTestReceiver(t, receiver, []string{sender.subject}, nil)

	envelope, err := crypto.Sign([]byte("hello"), sender.certPath, sender.keyPath)
	if err != nil {
		t.Fatal(err)
	}
	r.OnMessage("empa-1", envelope)

	in := entries(t, r.inq)
	if len(in) != 1 {
		t.Fatalf("incoming queue holds %d entries, want 1", len(in))
	}
	if in[0]["body"] != "hello" || in[0]["signer"] != sender.subject || in[0]["empaid"] != "empa-1" {
		t.Fatalf("unexpected incoming entry %v", in[0])
	}
	if rej := entries(t, r.rejectq); len(rej) != 0 {
		t.Fatalf("reject queue holds %d entries, want 0", len(rej))
	}
}

func TestReceiverRejectsUntrustedSigner(t *testing.T) {
	sender := newIdentity(t, "outsider.example.org")
	receiver := identity{caPath: sender.caPath, certPath: sender.certPath, keyPath: sender.keyPath}
	// Trust list holds some other DN entirely.
	r := newTestReceiver(t, receiver, []string{"/C=UK/O=STFC/CN=somebody else"}, nil)

	envelope, err := crypto.Sign([]byte("hello"), sender.certPath, sender.keyPath)
	if err != nil {
		t.Fatal(err)
	}
	r.OnMessage("empa-2", envelope)

	if in := entries(t, r.inq); len(in) != 0 {
		t.Fatalf("incoming queue holds %d entries, want 0", len(in))
	}
	rej := entries(t, r.rejectq)
	if len(rej) != 1 {
		t.Fatalf("reject queue holds %d entries, want 1", len(rej))
	}
	if rej[0]["error"] != "Signer not in valid DNs list." {
		t.Fatalf("reject reason = %q", rej[0]["error"])
	}
	if rej[0]["signer"] != sender.subject {
		t.Fatalf("reject signer = %q", rej[0]["signer"])
	}
}

func TestReceiverRejectsBannedSigner(t *testing.T) {
	sender := newIdentity(t, "banned.example.org")
	receiver := identity{caPath: sender.caPath, certPath: sender.certPath, keyPath: sender.keyPath}
	// Banned wins even when the signer is also trusted.
	r := newTestReceiver(t, receiver, []string{sender.subject}, []string{sender.subject})

	envelope, err := crypto.Sign([]byte("hello"), sender.certPath, sender.keyPath)
	if err != nil {
		t.Fatal(err)
	}
	r.OnMessage("empa-3", envelope)

	if in := entries(t, r.inq); len(in) != 0 {
		t.Fatalf("incoming queue holds %d entries, want 0", len(in))
	}
	rej := entries(t, r.rejectq)
	if len(rej) != 1 {
		t.Fatalf("reject queue holds %d entries, want 1", len(rej))
	}
	if rej[0]["error"] != "Signer is in the banned DNs list." {
		t.Fatalf("reject reason = %q", rej[0]["error"])
	}
}

func TestReceiverRejectsGarbage(t *testing.T) {
	self := newIdentity(t, "receiver.example.org")
	r := newTestReceiver(t, self, []string{self.subject}, nil)

	r.OnMessage("empa-4", []byte("this is not an envelope"))

	rej := entries(t, r.rejectq)
	if len(rej) != 1 {
		t.Fatalf("reject queue holds %d entries, want 1", len(rej))
	}
	if rej[0]["error"] != "Could not extract message." || rej[0]["signer"] != "Not available." {
		t.Fatalf("unexpected reject entry %v", rej[0])
	}
}

func TestReceiverDecryptsEncryptedDelivery(t *testing.T) {
	sender := newIdentity(t, "encsender.example.org")
	receiver := identity{caPath: sender.caPath, certPath: sender.certPath, keyPath: sender.keyPath}
	r := newTestReceiver(t, receiver, []string{sender.subject}, nil)

	signed, err := crypto.Sign([]byte("sealed record"), sender.certPath, sender.keyPath)
	if err != nil {
		t.Fatal(err)
	}
	// Encrypted to the receiver's own certificate.
	wire, err := crypto.Encrypt(signed, receiver.certPath, "aes256")
	if err != nil {
		t.Fatal(err)
	}
	r.OnMessage("empa-5", wire)

	in := entries(t, r.inq)
	if len(in) != 1 {
		t.Fatalf("incoming queue holds %d entries, want 1", len(in))
	}
	if in[0]["body"] != "sealed record" {
		t.Fatalf("decrypted body = %q", in[0]["body"])
	}
}

func TestReceiverDiscardsPings(t *testing.T) {
	self := newIdentity(t, "pinged.example.org")
	r := newTestReceiver(t, self, []string{self.subject}, nil)

	for i := 0; i < 10; i++ {
		r.OnMessage("ping", []byte("anything at all"))
	}

	if in := entries(t, r.inq); len(in) != 0 {
		t.Fatalf("pings reached the incoming queue: %v", in)
	}
	if rej := entries(t, r.rejectq); len(rej) != 0 {
		t.Fatalf("pings reached the reject queue: %v", rej)
	}
}

func TestReceiverRequiresNonEmptyTrustList(t *testing.T) {
	self := newIdentity(t, "lonely.example.org")
	dir := t.TempDir()
	dnFile := filepath.Join(dir, "dns")
	if err := os.WriteFile(dnFile, []byte("# empty\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Role:        config.RoleReceiver,
		Protocol:    config.ProtocolSTOMP,
		QueuePath:   filepath.Join(dir, "messages"),
		Destination: "/queue/accounting",
		Certificate: self.certPath,
		Key:         self.keyPath,
		CAPath:      self.caPath,
	}
	if _, err := NewReceiver(cfg, nil, dnFile, zerolog.Nop()); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ConfigError for empty trust list, got %v", err)
	}
}

// fakeTransport records publishes for the sender tests.
type fakeTransport struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	published []publishCall
	failAfter int // fail the (failAfter+1)th publish when >= 0
}

type publishCall struct {
	id   string
	body []byte
}

func (f *fakeTransport) Start() error { f.started = true; return nil }
func (f *fakeTransport) Stop() error  { f.stopped = true; return nil }
func (f *fakeTransport) Publish(body []byte, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, publishCall{id: id, body: append([]byte(nil), body...)})
	return nil
}
func (f *fakeTransport) Subscribe(string, transport.Handler) error { return nil }
func (f *fakeTransport) Pull(int, transport.Handler) error         { return nil }
func (f *fakeTransport) Ping() error                     { return nil }
func (f *fakeTransport) Reconnect() error                { return nil }
func (f *fakeTransport) Healthy() bool                   { return true }

func TestSenderDrainsStoreInOrder(t *testing.T) {
	self := newIdentity(t, "sendhost.example.org")
	dir := t.TempDir()

	store, err := queue.Open(dir, queue.PathTypeDirq)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Add([]byte{byte('a' + i)}); err != nil {
			t.Fatal(err)
		}
	}

	fake := &fakeTransport{failAfter: -1}
	s := &Sender{
		cfg: &config.Config{
			Certificate: self.certPath,
			Key:         self.keyPath,
			CAPath:      self.caPath,
		},
		log:   zerolog.Nop(),
		store: store,
		trans: fake,
	}

	if !s.HasMessages() {
		t.Fatal("HasMessages is false with 3 records queued")
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Close()

	if len(fake.published) != 3 {
		t.Fatalf("published %d messages, want 3", len(fake.published))
	}
	// Envelopes verify back to the original bodies, in order.
	for i, call := range fake.published {
		plain, signer, err := crypto.Verify(call.body, self.caPath, false)
		if err != nil {
			t.Fatalf("published envelope %d does not verify: %v", i, err)
		}
		if string(plain) != string([]byte{byte('a' + i)}) {
			t.Fatalf("publish %d body = %q", i, plain)
		}
		if signer != self.subject {
			t.Fatalf("publish %d signer = %q", i, signer)
		}
	}

	if n, _ := store.Count(); n != 0 {
		t.Fatalf("outbound store still holds %d records", n)
	}
	if !fake.stopped {
		t.Fatal("transport was not stopped")
	}
}

func TestSenderSkipsLockedMessages(t *testing.T) {
	self := newIdentity(t, "locked.example.org")
	dir := t.TempDir()

	store, err := queue.Open(dir, queue.PathTypeDirq)
	if err != nil {
		t.Fatal(err)
	}
	lockedID, err := store.Add([]byte("held elsewhere"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Add([]byte("free")); err != nil {
		t.Fatal(err)
	}
	// Another process holds this one.
	if ok, _ := store.Lock(lockedID); !ok {
		t.Fatal("could not pre-lock entry")
	}

	fake := &fakeTransport{failAfter: -1}
	s := &Sender{
		cfg:   &config.Config{Certificate: self.certPath, Key: self.keyPath, CAPath: self.caPath},
		log:   zerolog.Nop(),
		store: store,
		trans: fake,
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fake.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.published))
	}
	// The locked record is still queued for a later run.
	if n, _ := store.Count(); n != 1 {
		t.Fatalf("outbound store holds %d records, want 1", n)
	}
}

func TestSenderStopsOnPublishFailure(t *testing.T) {
	self := newIdentity(t, "failing.example.org")
	dir := t.TempDir()

	store, err := queue.Open(dir, queue.PathTypeDirq)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Add([]byte("r")); err != nil {
			t.Fatal(err)
		}
	}

	fake := &fakeTransport{failAfter: 1}
	s := &Sender{
		cfg:   &config.Config{Certificate: self.certPath, Key: self.keyPath, CAPath: self.caPath},
		log:   zerolog.Nop(),
		store: store,
		trans: fake,
	}
	if err := s.Run(); err == nil {
		t.Fatal("Run succeeded despite publish failure")
	}

	// One confirmed message was removed; the unconfirmed ones remain.
	if n, _ := store.Count(); n != 2 {
		t.Fatalf("outbound store holds %d records, want 2", n)
	}
}

func TestSenderEmptyBodyAsymmetry(t *testing.T) {
	self := newIdentity(t, "empty.example.org")

	// STOMP: empty bodies are legal, sent as-is and removed.
	stompStore, err := queue.Open(t.TempDir(), queue.PathTypeDirq)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stompStore.Add(nil); err != nil {
		t.Fatal(err)
	}
	stompFake := &fakeTransport{failAfter: -1}
	s := &Sender{
		cfg: &config.Config{
			Protocol:    config.ProtocolSTOMP,
			Certificate: self.certPath,
			Key:         self.keyPath,
		},
		log:   zerolog.Nop(),
		store: stompStore,
		trans: stompFake,
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run (STOMP): %v", err)
	}
	if len(stompFake.published) != 1 || len(stompFake.published[0].body) != 0 {
		t.Fatalf("STOMP empty body not sent as-is: %+v", stompFake.published)
	}
	if n, _ := stompStore.Count(); n != 0 {
		t.Fatalf("STOMP store still holds %d records", n)
	}

	// AMS: empty bodies are never sent and the record stays queued.
	amsStore, err := queue.Open(t.TempDir(), queue.PathTypeDirq)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := amsStore.Add(nil); err != nil {
		t.Fatal(err)
	}
	amsFake := &fakeTransport{failAfter: -1}
	s = &Sender{
		cfg: &config.Config{
			Protocol:    config.ProtocolAMS,
			Certificate: self.certPath,
			Key:         self.keyPath,
		},
		log:   zerolog.Nop(),
		store: amsStore,
		trans: amsFake,
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run (AMS): %v", err)
	}
	if len(amsFake.published) != 0 {
		t.Fatalf("AMS empty body was published: %+v", amsFake.published)
	}
	if n, _ := amsStore.Count(); n != 1 {
		t.Fatalf("AMS store holds %d records, want the empty one kept", n)
	}
}

func TestAgentsRefuseExpiringCertificate(t *testing.T) {
	// Valid, but inside the one-day refusal window.
	self := newIdentityWithExpiry(t, "shortlived.example.org", time.Now().Add(6*time.Hour))

	cfg := &config.Config{
		Role:        config.RoleReceiver,
		Protocol:    config.ProtocolSTOMP,
		QueuePath:   filepath.Join(t.TempDir(), "messages"),
		Destination: "/queue/accounting",
		Certificate: self.certPath,
		Key:         self.keyPath,
		CAPath:      self.caPath,
	}
	_, err := NewReceiver(cfg, nil, filepath.Join(t.TempDir(), "dns"), zerolog.Nop())
	if !errors.Is(err, &crypto.Error{Kind: crypto.KindCertExpiring}) {
		t.Fatalf("expected CertExpiring, got %v", err)
	}

	_, err = NewSender(cfg, nil, zerolog.Nop())
	if !errors.Is(err, &crypto.Error{Kind: crypto.KindCertExpiring}) {
		t.Fatalf("sender: expected CertExpiring, got %v", err)
	}
}
