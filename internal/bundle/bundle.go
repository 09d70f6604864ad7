// Package bundle packages PEM certificate material into the formats mail
// clients import: PKCS#12 archives and ZIP bundles carrying both the PEM
// pair and the P12.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// P12 encodes a PEM private key and certificate into a password-protected
// PKCS#12 archive using modern (PBES2/AES) encryption.
func P12(pemKey, pemCert []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("bundle: password is required")
	}
	key, err := parseKeyPEM(pemKey)
	if err != nil {
		return nil, err
	}
	cert, err := parseCertPEM(pemCert)
	if err != nil {
		return nil, err
	}
	data, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("bundle: encoding PKCS#12: %w", err)
	}
	return data, nil
}

// Zip produces a ZIP archive holding the certificate PEM, the private key
// PEM, and the PKCS#12 form. friendlyName becomes the file name stem;
// empty defaults to "smime".
func Zip(pemKey, pemCert []byte, password, friendlyName string) ([]byte, error) {
	p12, err := P12(pemKey, pemCert, password)
	if err != nil {
		return nil, err
	}

	stem := sanitizeStem(friendlyName)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		data []byte
	}{
		{stem + "-certificate.pem", pemCert},
		{stem + "-private-key.pem", pemKey},
		{stem + ".p12", p12},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return nil, fmt.Errorf("bundle: creating zip entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("bundle: writing zip entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("bundle: closing zip: %w", err)
	}
	return buf.Bytes(), nil
}

// sanitizeStem keeps the friendly name filesystem-safe.
func sanitizeStem(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "smime"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// parseKeyPEM accepts PKCS#1, PKCS#8 and SEC1 private key blocks.
func parseKeyPEM(pemKey []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("bundle: private key is not PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bundle: parsing RSA private key: %w", err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bundle: parsing EC private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bundle: parsing private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("bundle: unsupported key block %q", block.Type)
	}
}

func parseCertPEM(pemCert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemCert)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("bundle: certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("bundle: parsing certificate: %w", err)
	}
	return cert, nil
}
