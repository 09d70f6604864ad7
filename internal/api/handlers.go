package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/motorical/encimap/internal/bundle"
	"github.com/motorical/encimap/internal/smime"
	"github.com/motorical/encimap/internal/smtpauth"
	"github.com/motorical/encimap/internal/store"
	"github.com/motorical/encimap/internal/vaultbox"
)

type vaultboxView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Domain       string    `json:"domain"`
	Alias        string    `json:"alias,omitempty"`
	EmailAddress string    `json:"email_address,omitempty"`
	Name         string    `json:"name,omitempty"`
	MailboxType  string    `json:"mailbox_type"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`

	HasImapCredentials bool  `json:"has_imap_credentials"`
	HasSmtpCredentials bool  `json:"has_smtp_credentials"`
	CertificateCount   int64 `json:"certificate_count"`
	AliasCount         int64 `json:"alias_count"`
}

func viewOf(vb *store.Vaultbox) vaultboxView {
	v := vaultboxView{
		ID:           vb.ID,
		UserID:       vb.OwnerUserID,
		Domain:       vb.Domain,
		EmailAddress: vb.PrimaryAddress(),
		Name:         vb.DisplayName,
		MailboxType:  vb.MailboxType,
		Status:       vb.Status,
		CreatedAt:    vb.CreatedAt,
	}
	if vb.Alias != nil {
		v.Alias = *vb.Alias
	}
	return v
}

func (s *Server) handleListVaultboxes(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "user_id is required")
		return
	}
	if !authorizeOwner(w, r, userID) {
		return
	}

	sums, err := s.svc.List(r.Context(), userID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	out := make([]vaultboxView, len(sums))
	for i, sum := range sums {
		v := viewOf(&sum.Vaultbox)
		v.HasImapCredentials = sum.HasImap
		v.HasSmtpCredentials = sum.HasSmtp
		v.CertificateCount = sum.CertificateCnt
		v.AliasCount = sum.AliasCnt
		out[i] = v
	}
	respondData(w, http.StatusOK, map[string]any{"vaultboxes": out})
}

type createVaultboxRequest struct {
	UserID         string `json:"user_id"`
	Domain         string `json:"domain"`
	Name           string `json:"name"`
	Alias          string `json:"alias"`
	MailboxType    string `json:"mailbox_type"`
	IsCatchAll     bool   `json:"isCatchAll"`
	CertificatePEM string `json:"public_cert_pem"`
}

func (s *Server) handleCreateVaultbox(w http.ResponseWriter, r *http.Request) {
	var req createVaultboxRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = principalFrom(r).UserID
	}
	if !authorizeOwner(w, r, req.UserID) {
		return
	}

	res, err := s.svc.Create(r.Context(), vaultbox.CreateParams{
		OwnerUserID:    req.UserID,
		Domain:         req.Domain,
		Name:           req.Name,
		Alias:          req.Alias,
		MailboxType:    req.MailboxType,
		IsCatchAll:     req.IsCatchAll,
		CertificatePEM: req.CertificatePEM,
	})
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	data := map[string]any{
		"vaultbox_id":   res.Vaultbox.ID,
		"email_address": res.Vaultbox.PrimaryAddress(),
		"domain":        res.Vaultbox.Domain,
		"mailbox_type":  res.Vaultbox.MailboxType,
		"status":        res.Vaultbox.Status,
	}
	if res.CertificatePEM != "" {
		data["certificate"] = res.CertificatePEM
		data["fingerprint"] = res.Fingerprint
	}
	// Generated keys exist server-side only inside this response.
	if res.PrivateKeyPEM != "" {
		data["private_key"] = res.PrivateKeyPEM
	}
	respondData(w, http.StatusCreated, data)
}

func (s *Server) handleGetVaultbox(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	respondData(w, http.StatusOK, viewOf(vb))
}

func (s *Server) handleDeleteVaultbox(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), vb.ID); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	if err := s.svc.SetStatus(r.Context(), vb.ID, req.Status); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{"id": vb.ID, "status": req.Status})
}

func (s *Server) handleCreateImapCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	issued, err := s.svc.CreateImapCredentials(r.Context(), vb.ID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusCreated, map[string]any{
		"username": issued.Username,
		"password": issued.Password,
		"note":     "store this password now; it is not retrievable later",
	})
}

func (s *Server) handleGetImapCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	info, err := s.svc.GetImapCredentials(r.Context(), vb.ID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"id":       info.ID,
		"username": info.Username,
		"server":   info.Server,
	})
}

func (s *Server) handleRegenerateImapCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	issued, err := s.svc.RegenerateImapCredentials(r.Context(), vb.ID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"username": issued.Username,
		"password": issued.Password,
	})
}

func (s *Server) handleDeleteImapCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteImapCredentials(r.Context(), vb.ID); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{})
}

type smtpCredentialsRequest struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	SecurityType string `json:"security_type"`
}

func smtpCredentialView(password string, cred *store.SmtpCredential) map[string]any {
	out := map[string]any{
		"username":      cred.Username,
		"host":          cred.Host,
		"port":          cred.Port,
		"security_type": cred.SecurityMode,
	}
	if password != "" {
		out["password"] = password
	}
	return out
}

func (s *Server) handleCreateSmtpCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	var req smtpCredentialsRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
			return
		}
	}
	issued, cred, err := s.svc.CreateSmtpCredentials(r.Context(), vb.ID, vaultbox.SmtpOptions{
		Host:         req.Host,
		Port:         req.Port,
		SecurityMode: req.SecurityType,
	})
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusCreated, map[string]any{
		"credentials": smtpCredentialView(issued.Password, cred),
	})
}

func (s *Server) handleGetSmtpCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	cred, err := s.svc.GetSmtpCredentials(r.Context(), vb.ID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"credentials": smtpCredentialView("", cred),
	})
}

func (s *Server) handleRegenerateSmtpCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	issued, cred, err := s.svc.RegenerateSmtpCredentials(r.Context(), vb.ID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	// A reissue unblocks a throttled username immediately.
	if s.auth != nil {
		if err := s.auth.ClearThrottle(r.Context(), issued.Username); err != nil {
			s.logger.Warn("clearing auth throttle failed", "username", issued.Username, "error", err)
		}
	}
	respondData(w, http.StatusOK, map[string]any{
		"credentials": smtpCredentialView(issued.Password, cred),
	})
}

func (s *Server) handleDeleteSmtpCredentials(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteSmtpCredentials(r.Context(), vb.ID); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleUploadCertificate(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	var req struct {
		Label         string `json:"label"`
		PublicCertPEM string `json:"public_cert_pem"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	if req.PublicCertPEM == "" {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "public_cert_pem is required")
		return
	}
	cert, err := s.svc.UploadCertificate(r.Context(), vb.ID, req.Label, req.PublicCertPEM)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusCreated, map[string]any{
		"id":          cert.ID,
		"fingerprint": cert.Fingerprint,
	})
}

func (s *Server) handleGenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommonName   string `json:"common_name"`
		Email        string `json:"email"`
		Organization string `json:"organization"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "email is required")
		return
	}
	if req.CommonName == "" {
		req.CommonName = req.Email
	}

	gen, err := smime.GenerateWithSubject(req.CommonName, req.Email, req.Organization)
	if err != nil {
		s.logger.Error("certificate generation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "", "certificate generation failed")
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"private_key": string(gen.KeyPEM),
		"certificate": string(gen.CertPEM),
		"fingerprint": gen.Fingerprint,
		"not_after":   gen.NotAfter,
	})
}

type bundleRequest struct {
	PEMKey       string `json:"pem_key"`
	PEMCert      string `json:"pem_cert"`
	Password     string `json:"password"`
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleP12(w http.ResponseWriter, r *http.Request) {
	var req bundleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	data, err := bundle.P12([]byte(req.PEMKey), []byte(req.PEMCert), req.Password)
	if err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", `attachment; filename="certificate.p12"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	var req bundleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	data, err := bundle.Zip([]byte(req.PEMKey), []byte(req.PEMCert), req.Password, req.FriendlyName)
	if err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="certificate-bundle.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	aliases, err := s.svc.ListAliases(r.Context(), vb.ID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	out := make([]map[string]any, len(aliases))
	for i, a := range aliases {
		out[i] = map[string]any{
			"id":          a.ID,
			"alias_email": a.AliasEmail,
			"created_at":  a.CreatedAt,
		}
	}
	respondData(w, http.StatusOK, map[string]any{"aliases": out})
}

func (s *Server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	var req struct {
		AliasEmail string `json:"alias_email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}
	alias, err := s.svc.CreateAlias(r.Context(), vb.ID, req.AliasEmail)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusCreated, map[string]any{
		"id":          alias.ID,
		"alias_email": alias.AliasEmail,
	})
}

func (s *Server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	vb, ok := s.authorizeVaultbox(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteAlias(r.Context(), vb.ID, r.PathValue("aliasId")); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleSimpleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.DomainSimpleStatus(r.Context(), r.PathValue("domain"))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, status)
}

func (s *Server) handleSetCatchall(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	var req struct {
		Enabled    bool   `json:"enabled"`
		VaultboxID string `json:"vaultbox_id"`
		Force      bool   `json:"force"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}

	var owner string
	if req.VaultboxID != "" {
		vb, err := s.svc.Get(r.Context(), req.VaultboxID)
		if err != nil {
			respondServiceError(w, s.logger, err)
			return
		}
		owner = vb.OwnerUserID
	} else {
		var err error
		owner, err = s.svc.CatchallOwner(r.Context(), domain)
		if err != nil {
			respondServiceError(w, s.logger, err)
			return
		}
	}
	if !authorizeOwner(w, r, owner) {
		return
	}

	if err := s.svc.SetCatchall(r.Context(), domain, req.VaultboxID, req.Enabled, req.Force); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"domain":  domain,
		"enabled": req.Enabled,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "user_id is required")
		return
	}
	if !authorizeOwner(w, r, userID) {
		return
	}
	usage, err := s.svc.UsageByOwner(r.Context(), userID)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}
	out := make([]map[string]any, len(usage))
	for i, u := range usage {
		out[i] = map[string]any{
			"vaultbox_id":   u.VaultboxID,
			"email_address": u.Address,
			"message_count": u.MessageCount,
			"total_bytes":   u.TotalBytes,
		}
	}
	respondData(w, http.StatusOK, map[string]any{"usage": out})
}

// handleSmtpAuth exposes unified auth to the SMTP front-end. Only service
// principals may call it; it would otherwise be a password oracle.
func (s *Server) handleSmtpAuth(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil || !p.IsService() {
		respondError(w, http.StatusForbidden, "", "service credentials required")
		return
	}
	if s.auth == nil {
		respondError(w, http.StatusServiceUnavailable, "", "auth backend not configured")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, vaultbox.CodeValidation, "invalid JSON body")
		return
	}

	res, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, smtpauth.ErrThrottled):
			respondError(w, http.StatusTooManyRequests, "THROTTLED", "too many failed attempts")
		case errors.Is(err, smtpauth.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		default:
			s.logger.Error("smtp auth failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "", "auth backend unavailable")
		}
		return
	}

	respondData(w, http.StatusOK, map[string]any{
		"type":          res.Type,
		"credential_id": res.CredentialID,
		"user_id":       res.OwnerUserID,
		"domain":        res.Domain,
		"username":      res.Username,
		"limits": map[string]any{
			"messages_per_hour": res.Limits.MessagesPerHour,
			"messages_per_day":  res.Limits.MessagesPerDay,
		},
	})
}
