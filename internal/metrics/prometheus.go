package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Intake metrics
	intakeAcceptedTotal *prometheus.CounterVec
	intakeRejectedTotal *prometheus.CounterVec
	intakeCipherBytes   prometheus.Histogram

	// Management API metrics
	apiRequestsTotal *prometheus.CounterVec

	// SMTP auth metrics
	smtpAuthAttemptsTotal *prometheus.CounterVec

	// MTA router metrics
	routesAppliedTotal *prometheus.CounterVec
	mtaReloadsTotal    *prometheus.CounterVec

	// Lifecycle metrics
	vaultboxesCreatedTotal *prometheus.CounterVec
	vaultboxesDeletedTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		intakeAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_intake_accepted_total",
			Help: "Total number of messages encrypted and delivered.",
		}, []string{"recipient_domain"}),
		intakeRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_intake_rejected_total",
			Help: "Total number of intake requests rejected.",
		}, []string{"recipient_domain", "reason"}),
		intakeCipherBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "encimap_intake_ciphertext_bytes",
			Help:    "Size of delivered ciphertext messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 52428800},
		}),

		apiRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_api_requests_total",
			Help: "Total number of management API requests.",
		}, []string{"route", "status"}),

		smtpAuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_smtp_auth_attempts_total",
			Help: "Total number of SMTP submission auth attempts.",
		}, []string{"credential_type", "result"}),

		routesAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_routes_applied_total",
			Help: "Total number of transport map operations applied.",
		}, []string{"operation"}),
		mtaReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_mta_reloads_total",
			Help: "Total number of MTA reload attempts.",
		}, []string{"result"}),

		vaultboxesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_vaultboxes_created_total",
			Help: "Total number of vaultboxes created.",
		}, []string{"mailbox_type"}),
		vaultboxesDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encimap_vaultboxes_deleted_total",
			Help: "Total number of vaultboxes deleted.",
		}, []string{"mailbox_type"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.intakeAcceptedTotal,
		c.intakeRejectedTotal,
		c.intakeCipherBytes,
		c.apiRequestsTotal,
		c.smtpAuthAttemptsTotal,
		c.routesAppliedTotal,
		c.mtaReloadsTotal,
		c.vaultboxesCreatedTotal,
		c.vaultboxesDeletedTotal,
	)

	return c
}

// IntakeAccepted increments the intake accepted counter and observes ciphertext size.
func (c *PrometheusCollector) IntakeAccepted(recipientDomain string, ciphertextBytes int64) {
	c.intakeAcceptedTotal.WithLabelValues(recipientDomain).Inc()
	c.intakeCipherBytes.Observe(float64(ciphertextBytes))
}

// IntakeRejected increments the intake rejected counter.
func (c *PrometheusCollector) IntakeRejected(recipientDomain string, reason string) {
	c.intakeRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// APIRequest increments the management API request counter.
func (c *PrometheusCollector) APIRequest(route string, status int) {
	c.apiRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// SMTPAuthAttempt increments the SMTP auth attempts counter.
func (c *PrometheusCollector) SMTPAuthAttempt(credentialType string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.smtpAuthAttemptsTotal.WithLabelValues(credentialType, result).Inc()
}

// RouteApplied increments the transport map operation counter.
func (c *PrometheusCollector) RouteApplied(operation string) {
	c.routesAppliedTotal.WithLabelValues(operation).Inc()
}

// MTAReload increments the MTA reload counter.
func (c *PrometheusCollector) MTAReload(result string) {
	c.mtaReloadsTotal.WithLabelValues(result).Inc()
}

// VaultboxCreated increments the vaultbox created counter.
func (c *PrometheusCollector) VaultboxCreated(mailboxType string) {
	c.vaultboxesCreatedTotal.WithLabelValues(mailboxType).Inc()
}

// VaultboxDeleted increments the vaultbox deleted counter.
func (c *PrometheusCollector) VaultboxDeleted(mailboxType string) {
	c.vaultboxesDeletedTotal.WithLabelValues(mailboxType).Inc()
}
