// Package intake implements the encryption data path: raw RFC-822 in, CMS
// ciphertext in the vaultbox Maildir out.
package intake

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/metrics"
	"github.com/motorical/encimap/internal/smime"
	"github.com/motorical/encimap/internal/store"
)

const storageAlg = "smime-aes256"

// Failure reasons reported to the MTA pipe and to metrics.
const (
	ReasonVaultboxNotFound = "vaultbox_not_found"
	ReasonNoCertificates   = "no_certificates"
	ReasonBadCertificate   = "bad_certificate"
	ReasonEncryptFailed    = "encrypt_failed"
	ReasonWriteFailed      = "maildir_write_failed"
	ReasonTooLarge         = "message_too_large"
)

// Error classifies an intake failure. Transient failures tell the MTA to
// requeue; permanent ones to bounce.
type Error struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("intake: %s: %v", e.Reason, e.Err)
	}
	return "intake: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Delivery describes a completed intake.
type Delivery struct {
	MessageID  string
	Path       string
	Bytes      int64
	Recipients []string
}

// Worker encrypts and delivers messages for one process.
type Worker struct {
	store   *store.Store
	maildir *Maildir
	logger  *slog.Logger
	metrics metrics.Collector
}

// NewWorker creates a Worker.
func NewWorker(st *store.Store, md *Maildir, logger *slog.Logger, collector metrics.Collector) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Worker{store: st, maildir: md, logger: logger, metrics: collector}
}

// Maildir exposes the worker's maildir manager so lifecycle code can create
// and remove mailbox skeletons.
func (w *Worker) Maildir() *Maildir { return w.maildir }

// Process runs the full intake path for one message: certificate lookup,
// CMS encryption, atomic Maildir delivery, metadata insert. The message
// counts as delivered once the ciphertext reaches new/; a metadata insert
// failure after that point is logged for reconciliation, not surfaced.
func (w *Worker) Process(ctx context.Context, vaultboxID string, raw []byte) (*Delivery, error) {
	vb, err := w.store.VaultboxByID(ctx, vaultboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.metrics.IntakeRejected("unknown", ReasonVaultboxNotFound)
			// The route may be ahead of a pending create; let the MTA retry.
			return nil, &Error{Reason: ReasonVaultboxNotFound, Transient: true}
		}
		return nil, &Error{Reason: ReasonVaultboxNotFound, Transient: true, Err: err}
	}

	fromDomain, toAlias := parseEnvelopeHints(raw)

	rows, err := w.store.CertificatesByVaultbox(ctx, vb.ID)
	if err != nil {
		w.metrics.IntakeRejected(vb.Domain, ReasonEncryptFailed)
		return nil, &Error{Reason: ReasonEncryptFailed, Transient: true, Err: err}
	}
	if len(rows) == 0 {
		w.metrics.IntakeRejected(vb.Domain, ReasonNoCertificates)
		return nil, &Error{Reason: ReasonNoCertificates, Transient: false}
	}

	certs := make([]*x509.Certificate, 0, len(rows))
	fingerprints := make([]string, 0, len(rows))
	for _, row := range rows {
		cert, err := smime.ParseCertificatePEM([]byte(row.PublicCertPEM))
		if err != nil {
			w.metrics.IntakeRejected(vb.Domain, ReasonBadCertificate)
			return nil, &Error{Reason: ReasonBadCertificate, Transient: false, Err: err}
		}
		certs = append(certs, cert)
		fingerprints = append(fingerprints, smime.Fingerprint(cert))
	}

	ciphertext, err := smime.EncryptMessage(raw, certs)
	if err != nil {
		w.metrics.IntakeRejected(vb.Domain, ReasonEncryptFailed)
		return nil, &Error{Reason: ReasonEncryptFailed, Transient: true, Err: err}
	}

	path, err := w.maildir.Deliver(vb.ID, ciphertext)
	if err != nil {
		w.metrics.IntakeRejected(vb.Domain, ReasonWriteFailed)
		return nil, &Error{Reason: ReasonWriteFailed, Transient: true, Err: err}
	}

	delivery := &Delivery{
		MessageID:  uuid.NewString(),
		Path:       path,
		Bytes:      int64(len(ciphertext)),
		Recipients: fingerprints,
	}

	msg := &store.Message{
		ID:         delivery.MessageID,
		VaultboxID: vb.ID,
		FromDomain: fromDomain,
		ToAlias:    toAlias,
		SizeBytes:  delivery.Bytes,
		ReceivedAt: time.Now().UTC(),
		Storage: store.MessageStorage{
			MaildirPath: path,
			Bytes:       delivery.Bytes,
			Alg:         storageAlg,
			Recipients:  fingerprints,
		},
	}
	if err := w.store.InsertMessage(ctx, msg); err != nil {
		// Ciphertext is on disk; reconciliation dedupes on (vaultbox,
		// maildir_path).
		w.logger.Error("message record insert failed after delivery",
			"vaultbox_id", vb.ID, "path", path, "error", err)
	}

	w.metrics.IntakeAccepted(vb.Domain, delivery.Bytes)
	w.logger.Info("message delivered",
		"vaultbox_id", vb.ID, "bytes", delivery.Bytes, "recipients", len(fingerprints))
	return delivery, nil
}

// parseEnvelopeHints pulls the From domain and To local-part out of the
// header block. Best effort: the body stays opaque and parse failures leave
// the hints empty.
func parseEnvelopeHints(raw []byte) (fromDomain, toAlias string) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", ""
	}
	if from := header.Get("From"); from != "" {
		fromDomain = addressDomain(from)
	}
	if to := header.Get("To"); to != "" {
		toAlias = addressLocalPart(to)
	}
	return fromDomain, toAlias
}

func addressDomain(addr string) string {
	addr = stripAddress(addr)
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

func addressLocalPart(addr string) string {
	addr = stripAddress(addr)
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[:i])
	}
	return ""
}

// stripAddress reduces "Display Name <user@host>" to user@host.
func stripAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if open := strings.LastIndex(addr, "<"); open >= 0 {
		if end := strings.Index(addr[open:], ">"); end > 0 {
			return addr[open+1 : open+end]
		}
	}
	return addr
}
