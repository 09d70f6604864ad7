package smime

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/smallstep/pkcs7"
)

func generateTestCert(t *testing.T, email string) (*x509.Certificate, *GeneratedCert) {
	t.Helper()
	gen, err := GenerateSelfSigned(email)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error = %v", err)
	}
	cert, err := ParseCertificatePEM(gen.CertPEM)
	if err != nil {
		t.Fatalf("parsing generated cert: %v", err)
	}
	return cert, gen
}

func TestGenerateSelfSigned(t *testing.T) {
	cert, gen := generateTestCert(t, "cat@example.com")

	if cert.Subject.CommonName != "cat@example.com" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
	if len(cert.EmailAddresses) != 1 || cert.EmailAddresses[0] != "cat@example.com" {
		t.Errorf("EmailAddresses = %v", cert.EmailAddresses)
	}
	if cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
		t.Error("certificate lacks keyEncipherment usage")
	}

	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(gen.Fingerprint) {
		t.Errorf("fingerprint = %q, want 64 hex chars", gen.Fingerprint)
	}
	if gen.Fingerprint != Fingerprint(cert) {
		t.Error("fingerprint does not match re-computation")
	}

	if block, _ := pem.Decode(gen.KeyPEM); block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Error("key PEM is not an RSA PRIVATE KEY block")
	}
}

func TestGenerateWithSubject(t *testing.T) {
	gen, err := GenerateWithSubject("Cat Mailbox", "cat@example.com", "Autoroad")
	if err != nil {
		t.Fatalf("GenerateWithSubject() error = %v", err)
	}
	cert, err := ParseCertificatePEM(gen.CertPEM)
	if err != nil {
		t.Fatalf("parsing generated cert: %v", err)
	}
	if cert.Subject.CommonName != "Cat Mailbox" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != "Autoroad" {
		t.Errorf("Organization = %v", cert.Subject.Organization)
	}
	if len(cert.EmailAddresses) != 1 || cert.EmailAddresses[0] != "cat@example.com" {
		t.Errorf("EmailAddresses = %v", cert.EmailAddresses)
	}
}

func TestParseCertificatePEMErrors(t *testing.T) {
	if _, err := ParseCertificatePEM([]byte("not pem")); err == nil {
		t.Error("ParseCertificatePEM accepted garbage")
	}
	key := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte{1}})
	if _, err := ParseCertificatePEM(key); err == nil {
		t.Error("ParseCertificatePEM accepted a non-certificate block")
	}
}

func TestEncryptRequiresCertificates(t *testing.T) {
	if _, err := Encrypt([]byte("hi"), nil); !errors.Is(err, ErrNoCertificates) {
		t.Errorf("Encrypt() error = %v, want ErrNoCertificates", err)
	}
}

func TestEncryptMessageShape(t *testing.T) {
	cert, _ := generateTestCert(t, "cat@example.com")
	original := []byte("From: x@gmail.com\r\nTo: cat@example.com\r\nSubject: T\r\n\r\nhi\r\n")

	out, err := EncryptMessage(original, []*x509.Certificate{cert})
	if err != nil {
		t.Fatalf("EncryptMessage() error = %v", err)
	}

	text := string(out)
	if !strings.HasPrefix(text, "MIME-Version: 1.0\r\nContent-Type: application/x-pkcs7-mime") {
		t.Errorf("output starts %q", text[:min(len(text), 80)])
	}
	if !strings.Contains(text, "Content-Transfer-Encoding: base64") {
		t.Error("missing base64 transfer encoding header")
	}
	if bytes.Contains(out, []byte("Subject: T")) {
		t.Error("plaintext subject visible in output")
	}
	if bytes.Contains(out, []byte("hi\r\n\r\n")) {
		t.Error("plaintext body visible in output")
	}

	// Body lines respect the 76-column MIME width
	_, body, found := strings.Cut(text, "\r\n\r\n")
	if !found {
		t.Fatal("no header/body separator")
	}
	for _, line := range strings.Split(strings.TrimSpace(body), "\r\n") {
		if len(line) > 76 {
			t.Errorf("body line exceeds 76 chars: %d", len(line))
		}
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	cert, gen := generateTestCert(t, "cat@example.com")
	original := []byte("From: x@gmail.com\r\n\r\nsecret payload\r\n")

	der, err := Encrypt(original, []*x509.Certificate{cert})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	block, _ := pem.Decode(gen.KeyPEM)
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		t.Fatalf("parsing envelope: %v", err)
	}
	plain, err := p7.Decrypt(cert, key)
	if err != nil {
		t.Fatalf("decrypting: %v", err)
	}
	if !bytes.Equal(plain, original) {
		t.Error("round trip does not reproduce original message")
	}
}

func TestEncryptMultipleRecipients(t *testing.T) {
	certA, genA := generateTestCert(t, "a@example.com")
	certB, genB := generateTestCert(t, "b@example.com")
	original := []byte("From: x@y.z\r\n\r\nbody\r\n")

	der, err := Encrypt(original, []*x509.Certificate{certA, certB})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Both recipients can open the envelope
	for _, rc := range []struct {
		cert *x509.Certificate
		gen  *GeneratedCert
	}{{certA, genA}, {certB, genB}} {
		block, _ := pem.Decode(rc.gen.KeyPEM)
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			t.Fatal(err)
		}
		p7, err := pkcs7.Parse(der)
		if err != nil {
			t.Fatal(err)
		}
		plain, err := p7.Decrypt(rc.cert, key)
		if err != nil {
			t.Fatalf("recipient %s cannot decrypt: %v", rc.cert.Subject.CommonName, err)
		}
		if !bytes.Equal(plain, original) {
			t.Errorf("recipient %s got wrong plaintext", rc.cert.Subject.CommonName)
		}
	}
}
