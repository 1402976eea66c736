package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/access"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/metrics"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/registry"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/verification"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opRegister        = "registry.register"
	opHeartbeat       = "registry.heartbeat"
	opDeregister      = "registry.deregister"
	opInventorySubmit = "registry.inventory_submit"
	opInventoryRead   = "registry.inventory_read"
	opChallenge       = "registry.challenge"
	opListSites       = "registry.list_sites"

	statusPending = "pending"
)

type registrationPayload struct {
	SiteURL       string `json:"siteUrl"`
	PluginSlug    string `json:"pluginSlug"`
	PluginVersion string `json:"pluginVersion"`
	WPVersion     string `json:"wpVersion"`
	RepoURL       string `json:"repoUrl"`
	Token         string `json:"token"`
	ProofEndpoint string `json:"proofEndpoint"`
}

func (p registrationPayload) metadata() registry.Metadata {
	return registry.Metadata{PluginVersion: p.PluginVersion, WPVersion: p.WPVersion, RepoURL: p.RepoURL}
}

func (p registrationPayload) proof() verification.Proof {
	return verification.Proof{Token: p.Token, ProofEndpoint: p.ProofEndpoint}
}

type pendingResponse struct {
	Status       string                `json:"status"`
	Reason       string                `json:"reason"`
	Registration registry.Registration `json:"registration"`
}

type inventoryPayload struct {
	SiteURL       string                   `json:"siteUrl"`
	PluginSlug    string                   `json:"pluginSlug"`
	Token         string                   `json:"token"`
	ProofEndpoint string                   `json:"proofEndpoint"`
	WPVersion     string                   `json:"wpVersion"`
	PHPVersion    string                   `json:"phpVersion"`
	CollectedAt   *time.Time               `json:"collectedAt"`
	Items         []registry.InventoryItem `json:"items"`
}

type sitesResponse struct {
	Sites []registry.SiteSummary  `json:"sites"`
	Items []registry.Registration `json:"items"`
}

type challengePayload struct {
	SiteURL    string `json:"siteUrl"`
	PluginSlug string `json:"pluginSlug"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresIn int64  `json:"expires_in"`
}

func parseIdentity(operation, rawSite, rawSlug string) (registry.SiteURL, registry.PluginSlug, error) {
	site, err := registry.NewSiteURL(rawSite)
	if err != nil {
		return "", "", badRequest(operation, "missing_fields", "siteUrl and pluginSlug required")
	}
	slug, err := registry.NewPluginSlug(rawSlug)
	if err != nil {
		return "", "", badRequest(operation, "missing_fields", "siteUrl and pluginSlug required")
	}
	return site, slug, nil
}

// handleRegister always stores the registration. The admin key stores it verified; otherwise a
// supplied token triggers the proof handshake and the response is 202 until it succeeds. A pair that
// is already verified answers 200.
func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registrationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, badRequest(opRegister, "invalid_json", "invalid request body"))
		return
	}
	site, slug, err := parseIdentity(opRegister, request.SiteURL, request.PluginSlug)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()

	if h.gate.IsAdmin(c.GetHeader(access.AdminKeyHeader)) {
		record, err := h.ledger.RegisterVerified(ctx, site, slug, request.metadata())
		if err != nil {
			h.writeError(c, err)
			return
		}
		metrics.RegistryMutationCounter.WithLabelValues(opRegister).Inc()
		h.publishEvent(RegistryEventRegistered, record)
		c.JSON(http.StatusOK, record)
		return
	}

	record, err := h.ledger.Register(ctx, site, slug, request.metadata())
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.RegistryMutationCounter.WithLabelValues(opRegister).Inc()

	if record.Verified {
		h.publishEvent(RegistryEventRegistered, record)
		c.JSON(http.StatusOK, record)
		return
	}

	reason := verification.ReasonMissingToken
	if strings.TrimSpace(request.Token) != "" {
		outcome, err := h.verifier.Attempt(ctx, site, slug, request.proof())
		if err != nil {
			h.writeError(c, err)
			return
		}
		if outcome.Verified {
			h.publishEvent(RegistryEventRegistered, *outcome.Registration)
			c.JSON(http.StatusOK, outcome.Registration)
			return
		}
		reason = outcome.Reason
	}
	h.publishEvent(RegistryEventRegistered, record)
	c.JSON(http.StatusAccepted, pendingResponse{Status: statusPending, Reason: reason, Registration: record})
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	var request registrationPayload
	_ = c.ShouldBindJSON(&request)
	decision, err := h.gate.AuthorizeMutation(c.Request.Context(), opHeartbeat, access.MutationRequest{
		SiteURL:           request.SiteURL,
		PluginSlug:        request.PluginSlug,
		AdminKey:          c.GetHeader(access.AdminKeyHeader),
		Proof:             request.proof(),
		SynthesizeMissing: true,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	site, slug, err := parseIdentity(opHeartbeat, request.SiteURL, request.PluginSlug)
	if err != nil {
		h.writeError(c, err)
		return
	}

	record, err := h.ledger.Heartbeat(c.Request.Context(), site, slug, request.metadata())
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.RegistryMutationCounter.WithLabelValues(opHeartbeat).Inc()
	h.publishEvent(RegistryEventHeartbeat, record)
	h.logger.Debug("heartbeat accepted",
		zap.String("site_url", site.String()),
		zap.String("plugin_slug", slug.String()),
		zap.String("basis", decision.Basis))
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeregister(c *gin.Context) {
	var request registrationPayload
	_ = c.ShouldBindJSON(&request)
	if _, err := h.gate.AuthorizeMutation(c.Request.Context(), opDeregister, access.MutationRequest{
		SiteURL:    request.SiteURL,
		PluginSlug: request.PluginSlug,
		AdminKey:   c.GetHeader(access.AdminKeyHeader),
		Proof:      request.proof(),
	}); err != nil {
		h.writeError(c, err)
		return
	}
	site, slug, err := parseIdentity(opDeregister, request.SiteURL, request.PluginSlug)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.ledger.Deregister(c.Request.Context(), site, slug); err != nil {
		h.writeError(c, err)
		return
	}
	metrics.RegistryMutationCounter.WithLabelValues(opDeregister).Inc()
	h.publishEvent(RegistryEventDeregistered, registry.Registration{SiteURL: site.String(), PluginSlug: slug.String()})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleSubmitInventory authorizes through the reporting plugin's registration, then replaces the
// site's snapshot.
func (h *httpHandler) handleSubmitInventory(c *gin.Context) {
	var request inventoryPayload
	_ = c.ShouldBindJSON(&request)
	if _, err := h.gate.AuthorizeMutation(c.Request.Context(), opInventorySubmit, access.MutationRequest{
		SiteURL:    request.SiteURL,
		PluginSlug: request.PluginSlug,
		AdminKey:   c.GetHeader(access.AdminKeyHeader),
		Proof:      verification.Proof{Token: request.Token, ProofEndpoint: request.ProofEndpoint},
	}); err != nil {
		h.writeError(c, err)
		return
	}

	inventory := registry.SiteInventory{
		SiteURL:    request.SiteURL,
		WPVersion:  request.WPVersion,
		PHPVersion: request.PHPVersion,
		Items:      request.Items,
	}
	if request.CollectedAt != nil {
		inventory.CollectedAt = *request.CollectedAt
	}
	saved, err := h.ledger.SaveInventory(c.Request.Context(), inventory)
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.RegistryMutationCounter.WithLabelValues(opInventorySubmit).Inc()
	h.publishEvent(RegistryEventInventory, registry.Registration{SiteURL: saved.SiteURL, PluginSlug: request.PluginSlug})
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleReadInventory(c *gin.Context) {
	if err := h.gate.RequireAdmin(opInventoryRead, c.GetHeader(access.AdminKeyHeader)); err != nil {
		h.writeError(c, err)
		return
	}
	site, err := registry.NewSiteURL(c.Query("siteUrl"))
	if err != nil {
		h.writeError(c, badRequest(opInventoryRead, "missing_site", "siteUrl required"))
		return
	}
	inventory, found, err := h.ledger.GetInventory(c.Request.Context(), site)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no inventory for site", "code": opInventoryRead + ".not_found"})
		return
	}
	c.JSON(http.StatusOK, inventory)
}

func (h *httpHandler) handleListSites(c *gin.Context) {
	sites, items, err := h.ledger.ListSites(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sites == nil {
		sites = []registry.SiteSummary{}
	}
	if items == nil {
		items = []registry.Registration{}
	}
	h.logger.Debug("sites listed", zap.String("operation", opListSites), zap.Int("sites", len(sites)))
	c.JSON(http.StatusOK, sitesResponse{Sites: sites, Items: items})
}

func (h *httpHandler) handleChallenge(c *gin.Context) {
	var request challengePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, badRequest(opChallenge, "invalid_json", "invalid request body"))
		return
	}
	site, slug, err := parseIdentity(opChallenge, request.SiteURL, request.PluginSlug)
	if err != nil {
		h.writeError(c, err)
		return
	}
	challenge, expiresIn, err := h.challenges.Issue(c.Request.Context(), site.String(), slug.String())
	if err != nil {
		h.logger.Error("failed to issue challenge", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge_issue_failed", "code": opChallenge + ".issue_failed"})
		return
	}
	c.JSON(http.StatusOK, challengeResponse{Challenge: challenge, ExpiresIn: expiresIn})
}
