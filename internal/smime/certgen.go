package smime

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

const (
	selfSignedKeyBits  = 2048
	selfSignedValidity = 5 * 365 * 24 * time.Hour
)

// GeneratedCert is a freshly generated self-signed S/MIME certificate. The
// private key is returned to the caller exactly once and never stored.
type GeneratedCert struct {
	CertPEM      []byte
	KeyPEM       []byte
	Fingerprint  string
	NotAfter     time.Time
	SerialNumber string
}

// GenerateSelfSigned creates a self-signed certificate usable for S/MIME
// encryption to emailAddress. Used when a vaultbox is created without a
// caller-supplied certificate, so intake can encrypt from the first message.
func GenerateSelfSigned(emailAddress string) (*GeneratedCert, error) {
	return GenerateWithSubject(emailAddress, emailAddress, "")
}

// GenerateWithSubject is GenerateSelfSigned with a caller-chosen subject.
// Backs the certificate tooling endpoint where users name their own CN and
// organization.
func GenerateWithSubject(commonName, emailAddress, organization string) (*GeneratedCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, selfSignedKeyBits)
	if err != nil {
		return nil, fmt.Errorf("smime: generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("smime: generating serial: %w", err)
	}

	subject := pkix.Name{CommonName: commonName}
	if organization != "" {
		subject.Organization = []string{organization}
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		EmailAddresses:        []string{emailAddress},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("smime: creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("smime: parsing generated certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return &GeneratedCert{
		CertPEM:      certPEM,
		KeyPEM:       keyPEM,
		Fingerprint:  Fingerprint(cert),
		NotAfter:     template.NotAfter,
		SerialNumber: serial.String(),
	}, nil
}
