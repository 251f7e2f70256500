package controller

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"crmpulse/crm"
	"crmpulse/crm/amocrm"
	"crmpulse/middleware"
	"crmpulse/models"
	"crmpulse/store"
	"crmpulse/utils"
)

const (
	amoStateCookie     = "amocrm_oauth_state"
	amoSubdomainCookie = "amocrm_oauth_subdomain"
	oauthStateTTL      = 10 * time.Minute
)

type OAuthController struct {
	Store  *store.Store
	Cipher *utils.TokenCipher
	OAuth  amocrm.OAuthConfig
	// Subdomain is used when the start request does not name an account.
	Subdomain   string
	FrontendURL string
	// BaseURL overrides the per-account amoCRM URL.
	BaseURL string
	HTTP    crm.HTTPOptions
	Logger  *logrus.Entry
}

func NewOAuthController(st *store.Store, cipher *utils.TokenCipher, oauth amocrm.OAuthConfig, subdomain, frontendURL string, logger *logrus.Entry) *OAuthController {
	return &OAuthController{
		Store:       st,
		Cipher:      cipher,
		OAuth:       oauth,
		Subdomain:   subdomain,
		FrontendURL: strings.TrimRight(frontendURL, "/"),
		Logger:      logger.WithField("controller", "oauth"),
	}
}

func (oc *OAuthController) client(subdomain string) *amocrm.OAuthClient {
	base := oc.BaseURL
	if base == "" {
		base = amocrm.AccountURL(subdomain)
	}
	return amocrm.NewOAuthClient(oc.OAuth, base, oc.HTTP)
}

func (oc *OAuthController) setCookie(c *fiber.Ctx, name, value string) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(oauthStateTTL.Seconds()),
		Expires:  time.Now().Add(oauthStateTTL),
		Secure:   true,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// StartAmoCRM sends the user to the account's consent page with a fresh
// CSRF state kept in a short-lived cookie.
func (oc *OAuthController) StartAmoCRM(c *fiber.Ctx) error {
	if oc.OAuth.ClientID == "" {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "amoCRM client ID is not configured", nil)
	}
	raw := strings.TrimSpace(c.Query("subdomain", oc.Subdomain))
	if raw == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Subdomain required", nil)
	}
	subdomain, ok := amocrm.NormalizeSubdomain(raw)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid amoCRM subdomain", nil)
	}

	state := uuid.NewString()
	oc.setCookie(c, amoStateCookie, state)
	oc.setCookie(c, amoSubdomainCookie, subdomain)
	return c.Redirect(oc.client(subdomain).AuthCodeURL(state), fiber.StatusFound)
}

// AmoCRMCallback completes the authorization-code grant and stores the
// integration for the signed-in user.
func (oc *OAuthController) AmoCRMCallback(c *fiber.Ctx) error {
	if e := c.Query("error"); e != "" {
		return oc.redirect(c, "error", e)
	}

	state := c.Query("state")
	code := c.Query("code")
	if code == "" || state == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing code or state", nil)
	}
	if saved := c.Cookies(amoStateCookie); saved == "" || saved != state {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid state parameter", nil)
	}

	// The grant carries the client secret, so the account host must be a
	// plain amoCRM subdomain whichever source it came from.
	referer := strings.TrimSpace(c.Query("referer"))
	var subdomain string
	if referer != "" {
		subdomain = subdomainFromReferer(referer)
		if subdomain == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid amoCRM referer", nil)
		}
	} else {
		raw := strings.TrimSpace(c.Cookies(amoSubdomainCookie, oc.Subdomain))
		if raw == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown amoCRM account", nil)
		}
		var ok bool
		if subdomain, ok = amocrm.NormalizeSubdomain(raw); !ok {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid amoCRM subdomain", nil)
		}
	}

	userID := middleware.UserID(c)
	log := oc.Logger.WithFields(logrus.Fields{"user_id": userID, "account": subdomain})

	tok, err := oc.client(subdomain).Exchange(c.UserContext(), code)
	if err != nil {
		utils.LogError("amocrm_oauth_exchange", err, map[string]interface{}{"user_id": userID, "account": subdomain})
		return oc.redirect(c, "error", "oauth_failed")
	}

	access, err := oc.Cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to secure credentials", err)
	}
	refresh, err := oc.Cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to secure credentials", err)
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}

	in := &models.Integration{
		UserID:         userID,
		Provider:       string(crm.ProviderAmoCRM),
		AccountID:      subdomain,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: expiry,
		Settings:       datatypes.JSONMap{"subdomain": subdomain, "referer": referer},
		Status:         models.IntegrationActive,
	}
	if err := oc.Store.SaveIntegration(c.UserContext(), in); err != nil {
		utils.LogError("amocrm_oauth_save", err, map[string]interface{}{"user_id": userID, "account": subdomain})
		return oc.redirect(c, "error", "save_failed")
	}
	log.Info("amoCRM integration connected")

	c.ClearCookie(amoStateCookie, amoSubdomainCookie)
	return oc.redirect(c, "amocrm", "connected")
}

func (oc *OAuthController) redirect(c *fiber.Ctx, key, value string) error {
	q := url.Values{key: {value}}
	return c.Redirect(oc.FrontendURL+"/integrations?"+q.Encode(), fiber.StatusFound)
}

// subdomainFromReferer extracts "acme" from "acme.amocrm.ru" or a full URL.
// Anything that is not a single label under a known amoCRM domain yields "".
func subdomainFromReferer(referer string) string {
	host := strings.ToLower(strings.TrimSpace(referer))
	if host == "" {
		return ""
	}
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, suffix := range []string{".amocrm.ru", ".amocrm.com", ".kommo.com"} {
		if strings.HasSuffix(host, suffix) {
			sub, ok := amocrm.NormalizeSubdomain(strings.TrimSuffix(host, suffix))
			if !ok {
				return ""
			}
			return sub
		}
	}
	return ""
}
