package crypto

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
)

// Verify checks that the signed document carries a valid detached signature
// made by a certificate that chains to the CA directory at capath. It
// returns the plaintext of the signed part and the signer's subject in the
// legacy openssl /RDN=value form.
//
// When checkCRLs is set, a revocation list must be present under capath for
// every issuer in the chain, and none of the chain certificates may be
// revoked.
func Verify(document []byte, capath string, checkCRLs bool) ([]byte, string, error) {
	if len(document) == 0 {
		return nil, "", errKind(KindVerifyFailed, nil, "empty document")
	}
	if capath == "" {
		return nil, "", errKind(KindVerifyFailed, nil, "no CA path supplied")
	}

	signedContent, p7, err := splitSigned(document)
	if err != nil {
		return nil, "", errKind(KindVerifyFailed, err, "malformed signed document")
	}

	signer := leafCertificate(p7)
	if signer == nil {
		return nil, "", errKind(KindVerifyFailed, nil, "no signer certificate in document")
	}

	if err := verifyChain(signer, p7.Certificates, capath, checkCRLs); err != nil {
		return nil, "", errKind(KindVerifyFailed, err, "unverified signer")
	}

	p7.Content = signedContent
	if err := p7.Verify(); err != nil {
		return nil, "", errKind(KindVerifyFailed, err, "signature check failed")
	}

	plaintext, err := decodeSignedPart(signedContent)
	if err != nil {
		return nil, "", errKind(KindVerifyFailed, err, "cannot decode signed part")
	}

	return plaintext, SubjectDN(signer), nil
}

// GetSignerCert extracts the embedded signer certificate from a signed
// document without verifying anything, returned as PEM.
func GetSignerCert(document []byte) ([]byte, error) {
	_, p7, err := splitSigned(document)
	if err != nil {
		return nil, errKind(KindVerifyFailed, err, "malformed signed document")
	}
	signer := leafCertificate(p7)
	if signer == nil {
		return nil, errKind(KindVerifyFailed, nil, "no signer certificate in document")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: signer.Raw}), nil
}

// VerifyCertPath checks the certificate in the named file against the CA
// directory, consulting CRLs when asked. Used for the peer encryption
// certificate at sender startup.
func VerifyCertPath(certPath, capath string, checkCRLs bool) (bool, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return false, err
	}
	if err := verifyChain(cert, nil, capath, checkCRLs); err != nil {
		return false, nil
	}
	return true, nil
}

// GetCertificateSubjectFromFile returns the legacy-form subject of the
// certificate in the named PEM file.
func GetCertificateSubjectFromFile(certPath string) (string, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return "", err
	}
	return SubjectDN(cert), nil
}

// SubjectDN renders a certificate subject in the legacy openssl
// /RDN=value/... form, in the order the RDNs appear in the certificate.
func SubjectDN(cert *x509.Certificate) string {
	var seq pkix.RDNSequence
	if _, err := asn1.Unmarshal(cert.RawSubject, &seq); err != nil {
		return "/" + cert.Subject.String()
	}
	var b strings.Builder
	for _, rdn := range seq {
		for _, atv := range rdn {
			b.WriteByte('/')
			b.WriteString(attributeName(atv.Type))
			b.WriteByte('=')
			b.WriteString(fmt.Sprint(atv.Value))
		}
	}
	return b.String()
}

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.4":                    "SN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.42":                   "GN",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
	"1.2.840.113549.1.9.1":       "emailAddress",
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if name, ok := attributeNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

// splitSigned separates a multipart/signed document into the exact signed
// bytes of the first part and the parsed detached signature.
func splitSigned(document []byte) ([]byte, *pkcs7.PKCS7, error) {
	headers, body, err := splitDocument(document)
	if err != nil {
		return nil, nil, err
	}

	ct := headerValue(headers, "Content-Type")
	if ct == "" {
		return nil, nil, errors.New("no Content-Type header")
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(mediaType, "multipart/signed") {
		return nil, nil, fmt.Errorf("unexpected media type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, nil, errors.New("missing MIME signature boundary")
	}

	// The signed content must be taken byte-for-byte from between the
	// opening boundary and the delimiter that introduces the signature
	// part; any re-serialisation would invalidate the signature.
	boundaryLine := []byte("--" + boundary)
	first := bytes.Index(body, boundaryLine)
	if first == -1 {
		return nil, nil, errors.New("missing opening boundary")
	}
	content := body[first+len(boundaryLine):]
	if bytes.HasPrefix(content, []byte("\r\n")) {
		content = content[2:]
	} else if bytes.HasPrefix(content, []byte("\n")) {
		content = content[1:]
	}

	end := bytes.Index(content, []byte("\r\n--"+boundary))
	delimLen := 2
	if end == -1 {
		end = bytes.Index(content, []byte("\n--"+boundary))
		delimLen = 1
	}
	if end == -1 {
		return nil, nil, errors.New("missing closing boundary for signed part")
	}
	signedContent := content[:end]

	// The signature part's exact bytes do not matter, so a multipart
	// reader is fine for pulling out the PKCS#7 blob.
	mr := multipart.NewReader(bytes.NewReader(content[end+delimLen:]), boundary)
	part, err := mr.NextPart()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read signature part: %w", err)
	}
	sigBytes, err := io.ReadAll(part)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read signature bytes: %w", err)
	}
	if enc := part.Header.Get("Content-Transfer-Encoding"); strings.EqualFold(enc, "base64") {
		cleaned := bytes.Map(dropSpace, sigBytes)
		decoded, decErr := base64.StdEncoding.DecodeString(string(cleaned))
		if decErr == nil {
			sigBytes = decoded
		}
	}

	p7, err := parsePKCS7(sigBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot parse signature: %w", err)
	}
	return signedContent, p7, nil
}

func dropSpace(r rune) rune {
	switch r {
	case '\r', '\n', ' ', '\t':
		return -1
	}
	return r
}

// decodeSignedPart strips the signed part's own MIME headers and decodes
// the body according to its Content-Transfer-Encoding. Absent or
// 7bit/8bit encodings mean the body is literal.
func decodeSignedPart(signedContent []byte) ([]byte, error) {
	headers, body, err := splitDocument(signedContent)
	if err != nil {
		// A part with no headers at all is taken verbatim.
		return signedContent, nil
	}
	switch enc := strings.ToLower(headerValue(headers, "Content-Transfer-Encoding")); enc {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
	case "base64":
		cleaned := bytes.Map(dropSpace, body)
		return base64.StdEncoding.DecodeString(string(cleaned))
	default:
		return body, nil
	}
}

func leafCertificate(p7 *pkcs7.PKCS7) *x509.Certificate {
	for _, cert := range p7.Certificates {
		if !cert.IsCA {
			return cert
		}
	}
	if len(p7.Certificates) > 0 {
		return p7.Certificates[0]
	}
	return nil
}

// verifyChain builds a chain from cert to the CAs under capath. extras are
// candidate intermediates carried in the envelope.
func verifyChain(cert *x509.Certificate, extras []*x509.Certificate, capath string, checkCRLs bool) error {
	roots, crls, err := loadTrustDir(capath)
	if err != nil {
		return err
	}

	intermediates := x509.NewCertPool()
	for _, extra := range extras {
		if !extra.Equal(cert) {
			intermediates.AddCert(extra)
		}
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return err
	}
	if !checkCRLs {
		return nil
	}

	// Mirror openssl -crl_check_all: a CRL must exist for every issuer in
	// the chain, and must not list any chain member.
	for _, chain := range chains {
		for i, link := range chain {
			issuer := link
			if i+1 < len(chain) {
				issuer = chain[i+1]
			}
			crl, ok := crls[string(issuer.RawSubject)]
			if !ok {
				return fmt.Errorf("no CRL found for issuer %s", issuer.Subject)
			}
			if err := crl.CheckSignatureFrom(issuer); err != nil {
				return fmt.Errorf("CRL signature invalid for %s: %w", issuer.Subject, err)
			}
			if time.Now().After(crl.NextUpdate) {
				return fmt.Errorf("CRL for %s is out of date", issuer.Subject)
			}
			for _, entry := range crl.RevokedCertificateEntries {
				if entry.SerialNumber.Cmp(link.SerialNumber) == 0 {
					return fmt.Errorf("certificate %s is revoked", link.Subject)
				}
			}
		}
	}
	return nil
}

// loadTrustDir reads every file under capath, collecting CA certificates
// and revocation lists keyed by raw issuer subject. Unparseable files are
// skipped; a trust directory often mixes hash links and other formats.
func loadTrustDir(capath string) (*x509.CertPool, map[string]*x509.RevocationList, error) {
	entries, err := os.ReadDir(capath)
	if err != nil {
		return nil, nil, err
	}

	pool := x509.NewCertPool()
	crls := make(map[string]*x509.RevocationList)
	found := false

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(capath, entry.Name()))
		if err != nil {
			continue
		}
		rest := raw
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE":
				if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
					pool.AddCert(cert)
					found = true
				}
			case "X509 CRL":
				if crl, err := x509.ParseRevocationList(block.Bytes); err == nil {
					crls[string(crl.RawIssuer)] = crl
				}
			}
		}
	}

	if !found {
		return nil, nil, fmt.Errorf("no CA certificates found under %s", capath)
	}
	return pool, crls, nil
}

// headerValue extracts a header value from raw header bytes, folding
// continuation lines, case-insensitively.
func headerValue(headers []byte, name string) string {
	lines := strings.Split(string(headers), "\n")
	lower := strings.ToLower(name)
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:colon])) != lower {
			continue
		}
		value := strings.TrimSpace(line[colon+1:])
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimRight(lines[j], "\r")
			if len(next) == 0 || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(next)
		}
		return value
	}
	return ""
}
