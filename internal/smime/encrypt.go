// Package smime wraps RFC-822 messages in S/MIME CMS EnvelopedData for the
// certificates registered on a vaultbox. It only ever encrypts; the service
// never holds a private key for registered certificates.
package smime

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

// ErrNoCertificates is returned when encryption is requested with an empty
// recipient set.
var ErrNoCertificates = errors.New("smime: no recipient certificates")

func init() {
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
}

// ParseCertificatePEM decodes one PEM CERTIFICATE block.
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("smime: no CERTIFICATE block in PEM input")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("smime: parsing certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate's DER
// encoding. Message metadata records recipients by this value.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Encrypt produces a CMS EnvelopedData over message with AES-256 content
// encryption and one RSA key-transport RecipientInfo per certificate, in the
// order given. Returns the DER-encoded structure.
func Encrypt(message []byte, certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	der, err := pkcs7.Encrypt(message, certs)
	if err != nil {
		return nil, fmt.Errorf("smime: encrypting: %w", err)
	}
	return der, nil
}

// EncryptMessage encrypts a full RFC-822 message (headers included, so they
// stay confidential) and wraps the result as an S/MIME message ready for
// Maildir delivery.
func EncryptMessage(original []byte, certs []*x509.Certificate) ([]byte, error) {
	der, err := Encrypt(original, certs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: application/x-pkcs7-mime; smime-type=enveloped-data; name=\"smime.p7m\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString("Content-Disposition: attachment; filename=\"smime.p7m\"\r\n")
	buf.WriteString("\r\n")
	writeBase64Wrapped(&buf, der)
	return buf.Bytes(), nil
}

// writeBase64Wrapped emits base64 at the conventional 76-column MIME width.
func writeBase64Wrapped(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}
