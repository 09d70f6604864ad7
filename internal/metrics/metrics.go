// Package metrics provides interfaces and implementations for collecting
// encimap daemon metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording daemon metrics.
type Collector interface {
	// Intake metrics (recipient domain first)
	IntakeAccepted(recipientDomain string, ciphertextBytes int64)
	// reason should be a short stable token such as "no_certificates",
	// "unknown_vaultbox", "encrypt_failed", "maildir_failed".
	IntakeRejected(recipientDomain string, reason string)

	// Management API metrics
	APIRequest(route string, status int)

	// SMTP auth metrics (credentialType is "vaultbox" or "legacy")
	SMTPAuthAttempt(credentialType string, success bool)

	// MTA router metrics
	RouteApplied(operation string)
	// result should be "success" or "failure"
	MTAReload(result string)

	// Lifecycle metrics
	VaultboxCreated(mailboxType string)
	VaultboxDeleted(mailboxType string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
