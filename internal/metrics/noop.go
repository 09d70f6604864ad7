package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// IntakeAccepted is a no-op.
func (n *NoopCollector) IntakeAccepted(recipientDomain string, ciphertextBytes int64) {}

// IntakeRejected is a no-op.
func (n *NoopCollector) IntakeRejected(recipientDomain string, reason string) {}

// APIRequest is a no-op.
func (n *NoopCollector) APIRequest(route string, status int) {}

// SMTPAuthAttempt is a no-op.
func (n *NoopCollector) SMTPAuthAttempt(credentialType string, success bool) {}

// RouteApplied is a no-op.
func (n *NoopCollector) RouteApplied(operation string) {}

// MTAReload is a no-op.
func (n *NoopCollector) MTAReload(result string) {}

// VaultboxCreated is a no-op.
func (n *NoopCollector) VaultboxCreated(mailboxType string) {}

// VaultboxDeleted is a no-op.
func (n *NoopCollector) VaultboxDeleted(mailboxType string) {}
