// Package crypto produces and consumes the signed (and optionally encrypted)
// S/MIME envelope used on the wire.
//
// Envelope forms:
//   - signed: multipart/signed with a detached application/pkcs7-signature
//     part over the exact bytes of the first part.
//   - encrypted: application/pkcs7-mime enveloped-data wrapping a signed
//     envelope, base64 encoded.
//
// Verification deliberately separates chain checking from signature
// checking: the signer certificate is verified against the CA directory
// first, then the PKCS#7 signature is checked against the embedded
// certificate only. Host certificates are not always marked for S/MIME use,
// so a combined check would reject them.
package crypto

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mozilla.org/pkcs7"
)

// Kind classifies an envelope operation failure.
type Kind int

const (
	KindSignFailed Kind = iota + 1
	KindBadCipher
	KindDecryptFailed
	KindVerifyFailed
	KindCertKeyMismatch
	KindCertExpiring
)

func (k Kind) String() string {
	switch k {
	case KindSignFailed:
		return "sign failed"
	case KindBadCipher:
		return "bad cipher"
	case KindDecryptFailed:
		return "decrypt failed"
	case KindVerifyFailed:
		return "verify failed"
	case KindCertKeyMismatch:
		return "cert/key mismatch"
	case KindCertExpiring:
		return "certificate expired or expiring"
	default:
		return "crypto error"
	}
}

// Error is the typed failure returned by every operation in this package.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "crypto: " + e.Kind.String()
	}
	return "crypto: " + e.Kind.String() + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against a
// bare &Error{Kind: ...}.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func errKind(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Ciphers accepted by Encrypt.
var Ciphers = []string{"aes128", "aes192", "aes256"}

// CertExpiryWindow is how close to expiry a local certificate may be before
// agents refuse to start.
const CertExpiryWindow = 24 * time.Hour

const pemLineLen = 76

// Sign wraps message in a multipart/signed envelope carrying a detached
// PKCS#7 signature made with the certificate and key in the named PEM files.
func Sign(message []byte, certPath, keyPath string) ([]byte, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, errKind(KindSignFailed, err, "cannot load certificate %s", certPath)
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return nil, errKind(KindSignFailed, err, "cannot load key %s", keyPath)
	}

	// The first body part is signed byte-for-byte, so it is assembled once
	// here and reused verbatim when the envelope is written out.
	var inner bytes.Buffer
	inner.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	inner.WriteString("\r\n")
	inner.Write(message)

	sd, err := pkcs7.NewSignedData(inner.Bytes())
	if err != nil {
		return nil, errKind(KindSignFailed, err, "cannot build signed data")
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(cert, signer, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, errKind(KindSignFailed, err, "cannot add signer")
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return nil, errKind(KindSignFailed, err, "cannot finish signature")
	}

	boundary, err := newBoundary()
	if err != nil {
		return nil, errKind(KindSignFailed, err, "cannot generate boundary")
	}

	var out bytes.Buffer
	out.WriteString("MIME-Version: 1.0\r\n")
	out.WriteString("Content-Type: multipart/signed; protocol=\"application/pkcs7-signature\"; micalg=\"sha-256\"; boundary=\"" + boundary + "\"\r\n")
	out.WriteString("\r\n")
	out.WriteString("This is an S/MIME signed message\r\n")
	out.WriteString("\r\n")
	out.WriteString("--" + boundary + "\r\n")
	out.Write(inner.Bytes())
	out.WriteString("\r\n")
	out.WriteString("--" + boundary + "\r\n")
	out.WriteString("Content-Type: application/pkcs7-signature; name=\"smime.p7s\"\r\n")
	out.WriteString("Content-Transfer-Encoding: base64\r\n")
	out.WriteString("Content-Disposition: attachment; filename=\"smime.p7s\"\r\n")
	out.WriteString("\r\n")
	writeBase64(&out, der)
	out.WriteString("--" + boundary + "--\r\n")

	return out.Bytes(), nil
}

// Encrypt wraps a signed envelope in PKCS#7 enveloped-data addressed to the
// peer certificate. cipher must be one of Ciphers.
func Encrypt(envelope []byte, peerCertPath, cipher string) ([]byte, error) {
	switch cipher {
	case "aes128":
		pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES128CBC
	case "aes192", "aes256":
		// pkcs7 exposes no AES-192 content-encryption mode; aes192 is
		// encrypted with the stronger AES-256.
		pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
	default:
		return nil, errKind(KindBadCipher, nil, "invalid cipher %q", cipher)
	}

	peer, err := loadCertificate(peerCertPath)
	if err != nil {
		return nil, errKind(KindBadCipher, err, "cannot load peer certificate %s", peerCertPath)
	}

	der, err := pkcs7.Encrypt(envelope, []*x509.Certificate{peer})
	if err != nil {
		return nil, errKind(KindBadCipher, err, "encryption failed")
	}

	var out bytes.Buffer
	out.WriteString("MIME-Version: 1.0\r\n")
	out.WriteString("Content-Disposition: attachment; filename=\"smime.p7m\"\r\n")
	out.WriteString("Content-Type: application/pkcs7-mime; smime-type=enveloped-data; name=\"smime.p7m\"\r\n")
	out.WriteString("Content-Transfer-Encoding: base64\r\n")
	out.WriteString("\r\n")
	writeBase64(&out, der)
	return out.Bytes(), nil
}

// Decrypt is the inverse of Encrypt, using the local certificate and key.
func Decrypt(encrypted []byte, certPath, keyPath string) ([]byte, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, errKind(KindDecryptFailed, err, "cannot load certificate %s", certPath)
	}
	key, err := loadPrivateKey(keyPath)
	if err != nil {
		return nil, errKind(KindDecryptFailed, err, "cannot load key %s", keyPath)
	}

	_, body, err := splitDocument(encrypted)
	if err != nil {
		return nil, errKind(KindDecryptFailed, err, "malformed envelope")
	}

	p7, err := parsePKCS7(body)
	if err != nil {
		return nil, errKind(KindDecryptFailed, err, "cannot parse enveloped data")
	}
	plain, err := p7.Decrypt(cert, key)
	if err != nil {
		return nil, errKind(KindDecryptFailed, err, "decryption failed")
	}
	return plain, nil
}

// CheckCertKey reports whether the certificate's public key matches the
// private key in the named PEM files.
func CheckCertKey(certPath, keyPath string) (bool, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return false, err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return false, err
	}
	// Two identical files trivially share a modulus.
	if bytes.Equal(certBytes, keyBytes) {
		return false, nil
	}

	cert, err := parseCertificatePEM(certBytes)
	if err != nil {
		return false, err
	}
	key, err := parsePrivateKeyPEM(keyBytes)
	if err != nil {
		return false, err
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return false, nil
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	pub, ok := cert.PublicKey.(equaler)
	if !ok {
		return false, nil
	}
	return pub.Equal(signer.Public()), nil
}

// VerifyCertDate reports whether the certificate in the named PEM file is
// valid now and will remain valid past the given window.
func VerifyCertDate(certPath string, window time.Duration) (bool, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return false, nil
	}
	return now.Add(window).Before(cert.NotAfter), nil
}

// IsEncrypted reports whether the document is a PKCS#7 enveloped-data
// envelope rather than a bare signed one.
func IsEncrypted(document []byte) bool {
	return bytes.Contains(document, []byte("application/pkcs7-mime")) ||
		bytes.Contains(document, []byte("application/x-pkcs7-mime"))
}

func loadCertificate(path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, errors.New("empty certificate path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseCertificatePEM(raw)
}

func parseCertificatePEM(raw []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			return nil, errors.New("no certificate in PEM data")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("empty key path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePrivateKeyPEM(raw)
}

func parsePrivateKeyPEM(raw []byte) (crypto.PrivateKey, error) {
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			return nil, errors.New("no private key in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			return x509.ParsePKCS8PrivateKey(block.Bytes)
		}
	}
}

func loadSigner(path string) (crypto.Signer, error) {
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T cannot sign", key)
	}
	return signer, nil
}

// parsePKCS7 parses raw DER, falling back to base64-decoding the input
// first, which is how enveloped data arrives inside a MIME body.
func parsePKCS7(data []byte) (*pkcs7.PKCS7, error) {
	p7, derErr := pkcs7.Parse(data)
	if derErr == nil {
		return p7, nil
	}
	cleaned := bytes.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, data)
	decoded, err := base64.StdEncoding.DecodeString(string(cleaned))
	if err != nil {
		return nil, derErr
	}
	return pkcs7.Parse(decoded)
}

// splitDocument separates a MIME document into raw header bytes and body,
// accepting either CRLF or bare LF line endings.
func splitDocument(raw []byte) (headers, body []byte, err error) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return raw[:i], raw[i+4:], nil
	}
	if i := bytes.Index(raw, []byte("\n\n")); i != -1 {
		return raw[:i], raw[i+2:], nil
	}
	return nil, nil, errors.New("no header/body boundary")
}

func newBoundary() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("----%x", buf), nil
}

func writeBase64(out *bytes.Buffer, der []byte) {
	b64 := base64.StdEncoding.EncodeToString(der)
	for i := 0; i < len(b64); i += pemLineLen {
		end := i + pemLineLen
		if end > len(b64) {
			end = len(b64)
		}
		out.WriteString(b64[i:end])
		out.WriteString("\r\n")
	}
}
