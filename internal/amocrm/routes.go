package amocrm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/amocrm-sync/internal/tokenstore"
	"go.uber.org/zap"
)

// CredentialAuthority is the part of the token manager the routes need.
type CredentialAuthority interface {
	ExchangeCode(ctx context.Context, code string) (tokenstore.Credential, error)
	Status() TokenStatus
}

// ContactWorkflow runs the find-or-create contact workflow.
type ContactWorkflow interface {
	FindOrCreateContact(ctx context.Context, name string, email string, phone string) (UpsertResult, error)
}

// MountCRMRoutes registers /amo-crm/authorize, /amo-crm/callback, /amo-crm/find-or-create-contact and /amo-crm/status.
func MountCRMRoutes(router gin.IRouter, configuration ServerConfig, credentials CredentialAuthority, workflow ContactWorkflow, states *StateIssuer, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	oauthConfig := configuration.CRM.OAuth2Config()
	group := router.Group("/amo-crm")

	group.GET("/authorize", func(contextGin *gin.Context) {
		if states == nil {
			contextGin.Redirect(http.StatusFound, oauthConfig.AuthCodeURL(""))
			return
		}
		state, stateErr := states.Issue(contextGin.Request.Context())
		if stateErr != nil {
			logger.Error("state issue failed",
				zap.String("code", "oauth.authorize.state_failed"),
				zap.Error(stateErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Redirect(http.StatusFound, oauthConfig.AuthCodeURL(state))
	})

	group.GET("/callback", func(contextGin *gin.Context) {
		code := strings.TrimSpace(contextGin.Query("code"))
		if code == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
			return
		}

		state := contextGin.Query("state")
		switch {
		case state != "" && states != nil:
			if verifyErr := states.Verify(contextGin.Request.Context(), state); verifyErr != nil {
				logger.Warn("callback state rejected",
					zap.String("code", "oauth.callback.invalid_state"),
					zap.Error(verifyErr))
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
				return
			}
		case configuration.RequireState:
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_state"})
			return
		}

		credential, exchangeErr := credentials.ExchangeCode(contextGin.Request.Context(), code)
		if exchangeErr != nil {
			logger.Error("callback exchange failed",
				zap.String("code", "oauth.callback.exchange_failed"),
				zap.Error(exchangeErr))
			contextGin.String(http.StatusInternalServerError, "Failed to exchange authorization code")
			return
		}
		contextGin.String(http.StatusOK, "Successfully received token: %s", formatCredential(credential))
	})

	group.GET("/find-or-create-contact", func(contextGin *gin.Context) {
		name := contextGin.Query("name")
		email := contextGin.Query("email")
		phone := contextGin.Query("phone")
		if strings.TrimSpace(email) == "" && strings.TrimSpace(phone) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_email_or_phone"})
			return
		}

		result, workflowErr := workflow.FindOrCreateContact(contextGin.Request.Context(), name, email, phone)
		if workflowErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, result)
	})

	group.GET("/status", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, credentials.Status())
	})
}

// formatCredential renders the token set for the developer-facing callback page.
func formatCredential(credential tokenstore.Credential) string {
	return fmt.Sprintf("access_token=%s refresh_token=%s expires_at=%d", credential.AccessToken, credential.RefreshToken, credential.ExpiresAt)
}
