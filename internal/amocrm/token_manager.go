package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tyemirov/amocrm-sync/internal/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"

	operationTokenExchange = "token.exchange"
	operationTokenRefresh  = "token.refresh"

	refreshFlightKey       = "refresh"
	forcedRefreshFlightKey = "refresh.forced"
)

var errMissingTokenStore = errors.New("token_manager.missing_store")

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenStatus summarizes the live credential without exposing it.
type TokenStatus struct {
	Authenticated bool  `json:"authenticated"`
	Valid         bool  `json:"valid"`
	ExpiresAt     int64 `json:"expires_at"`
}

// TokenManager owns the single live CRM credential. Every authenticated call obtains its
// access token through GetValidToken; concurrent refreshes collapse into one token request.
type TokenManager struct {
	configuration Config
	store         tokenstore.Store
	httpClient    *http.Client
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder

	credentialMutex sync.RWMutex
	credential      *tokenstore.Credential

	// grantMutex serializes token endpoint calls so an exchange never interleaves with a refresh.
	grantMutex   sync.Mutex
	refreshGroup singleflight.Group
	background   sync.WaitGroup
}

// TokenManagerOption customizes a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithClock overrides the wall clock.
func WithClock(clock Clock) TokenManagerOption {
	return func(manager *TokenManager) {
		if clock != nil {
			manager.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) TokenManagerOption {
	return func(manager *TokenManager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithMetrics sets the counter sink.
func WithMetrics(metrics MetricsRecorder) TokenManagerOption {
	return func(manager *TokenManager) {
		if metrics != nil {
			manager.metrics = metrics
		}
	}
}

// NewTokenManager constructs an unauthenticated manager; call Initialize to adopt a stored credential.
func NewTokenManager(configuration Config, store tokenstore.Store, httpClient *http.Client, options ...TokenManagerOption) (*TokenManager, error) {
	if store == nil {
		return nil, fmt.Errorf("token_manager.new: %w", errMissingTokenStore)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(configuration.HTTPTimeout, configuration.MaxRedirects)
	}
	manager := &TokenManager{
		configuration: configuration,
		store:         store,
		httpClient:    httpClient,
		clock:         NewSystemClock(),
		logger:        zap.NewNop(),
		metrics:       noopMetrics{},
	}
	for _, option := range options {
		option(manager)
	}
	return manager, nil
}

// Initialize adopts a persisted credential. An expired one is refreshed in the background;
// an absent or undecodable one leaves the manager waiting for ExchangeCode, whose Save
// replaces the damaged record.
func (manager *TokenManager) Initialize(ctx context.Context) error {
	stored, loadErr := manager.store.Load(ctx)
	if errors.Is(loadErr, tokenstore.ErrCredentialNotFound) {
		manager.logger.Info("no stored credential; awaiting authorization",
			zap.String("code", "token.initialize.unauthenticated"))
		return nil
	}
	if errors.Is(loadErr, tokenstore.ErrCorruptCredential) {
		manager.logger.Warn("stored credential unreadable; awaiting authorization",
			zap.String("code", "token.initialize.corrupt"),
			zap.Error(loadErr))
		return nil
	}
	if loadErr != nil {
		return fmt.Errorf("token_manager.initialize: %w", loadErr)
	}

	manager.credentialMutex.Lock()
	manager.credential = &stored
	manager.credentialMutex.Unlock()

	if stored.IsValid(manager.clock.Now()) {
		manager.logger.Info("adopted stored credential",
			zap.String("code", "token.initialize.adopted"),
			zap.Int64("expires_at", stored.ExpiresAt))
		return nil
	}

	manager.logger.Info("stored credential expired; refreshing",
		zap.String("code", "token.initialize.expired"),
		zap.Int64("expires_at", stored.ExpiresAt))
	refreshContext := context.WithoutCancel(ctx)
	manager.background.Add(1)
	go func() {
		defer manager.background.Done()
		if _, refreshErr := manager.Refresh(refreshContext); refreshErr != nil {
			manager.logger.Warn("startup refresh failed",
				zap.String("code", "token.initialize.refresh_failed"),
				zap.Error(refreshErr))
		}
	}()
	return nil
}

// Shutdown waits for background work started by Initialize.
func (manager *TokenManager) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		manager.background.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExchangeCode trades an authorization code for a credential, replacing and persisting it.
// On failure any prior credential is left untouched.
func (manager *TokenManager) ExchangeCode(ctx context.Context, code string) (tokenstore.Credential, error) {
	if strings.TrimSpace(code) == "" {
		return tokenstore.Credential{}, &RequestError{Kind: ErrTokenExchange, Operation: operationTokenExchange, Cause: errEmptyAuthorizationCode}
	}

	manager.grantMutex.Lock()
	defer manager.grantMutex.Unlock()

	issued, requestErr := manager.requestToken(ctx, ErrTokenExchange, operationTokenExchange, tokenRequest{
		ClientID:     manager.configuration.ClientID,
		ClientSecret: manager.configuration.ClientSecret,
		GrantType:    grantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  manager.configuration.RedirectURI,
	})
	if requestErr != nil {
		manager.metrics.Increment(metricTokenExchangeFailure)
		manager.logger.Warn("authorization code exchange failed",
			zap.String("code", "token.exchange.failed"),
			zap.Error(requestErr))
		return tokenstore.Credential{}, requestErr
	}

	manager.metrics.Increment(metricTokenExchangeSuccess)
	if persistErr := manager.commit(ctx, issued); persistErr != nil {
		manager.metrics.Increment(metricTokenPersistFailure)
		manager.logger.Error("exchanged credential not persisted",
			zap.String("code", "token.exchange.persist_failed"),
			zap.Error(persistErr))
		return issued, persistErr
	}
	manager.logger.Info("authorization code exchanged",
		zap.String("code", "token.exchange.success"),
		zap.Int64("expires_at", issued.ExpiresAt))
	return issued, nil
}

// GetValidToken returns an access token that is valid now, refreshing first when needed.
func (manager *TokenManager) GetValidToken(ctx context.Context) (string, error) {
	if accessToken, valid := manager.currentValidToken(); valid {
		return accessToken, nil
	}
	refreshed, refreshErr := manager.sharedRefresh(ctx, false)
	if refreshErr != nil {
		return "", refreshErr
	}
	return refreshed.AccessToken, nil
}

// Refresh forces a refresh-token grant. Forced refreshes share a flight only with each other;
// grantMutex orders them against on-demand refreshes. On failure the current credential stays live.
func (manager *TokenManager) Refresh(ctx context.Context) (tokenstore.Credential, error) {
	return manager.sharedRefresh(ctx, true)
}

// Status reports whether a credential is held and whether it is currently valid.
func (manager *TokenManager) Status() TokenStatus {
	manager.credentialMutex.RLock()
	defer manager.credentialMutex.RUnlock()
	if manager.credential == nil {
		return TokenStatus{}
	}
	return TokenStatus{
		Authenticated: true,
		Valid:         manager.credential.IsValid(manager.clock.Now()),
		ExpiresAt:     manager.credential.ExpiresAt,
	}
}

func (manager *TokenManager) currentValidToken() (string, bool) {
	manager.credentialMutex.RLock()
	defer manager.credentialMutex.RUnlock()
	if manager.credential == nil || !manager.credential.IsValid(manager.clock.Now()) {
		return "", false
	}
	return manager.credential.AccessToken, true
}

func (manager *TokenManager) currentCredential() (tokenstore.Credential, bool) {
	manager.credentialMutex.RLock()
	defer manager.credentialMutex.RUnlock()
	if manager.credential == nil {
		return tokenstore.Credential{}, false
	}
	return *manager.credential, true
}

// sharedRefresh joins the in-flight refresh or starts one. The refresh itself runs detached
// from the caller's cancellation; a cancelled caller only stops waiting.
func (manager *TokenManager) sharedRefresh(ctx context.Context, force bool) (tokenstore.Credential, error) {
	flightKey := refreshFlightKey
	if force {
		flightKey = forcedRefreshFlightKey
	}
	refreshContext := context.WithoutCancel(ctx)
	resultChannel := manager.refreshGroup.DoChan(flightKey, func() (interface{}, error) {
		return manager.performRefresh(refreshContext, force)
	})
	select {
	case result := <-resultChannel:
		if result.Err != nil {
			return tokenstore.Credential{}, result.Err
		}
		return result.Val.(tokenstore.Credential), nil
	case <-ctx.Done():
		return tokenstore.Credential{}, fmt.Errorf("token_manager.refresh_wait: %w", ctx.Err())
	}
}

func (manager *TokenManager) performRefresh(ctx context.Context, force bool) (tokenstore.Credential, error) {
	manager.grantMutex.Lock()
	defer manager.grantMutex.Unlock()

	current, authenticated := manager.currentCredential()
	if !authenticated {
		manager.metrics.Increment(metricTokenRefreshFailure)
		return tokenstore.Credential{}, &RequestError{Kind: ErrTokenRefresh, Operation: operationTokenRefresh, Cause: ErrNotAuthenticated}
	}
	if !force && current.IsValid(manager.clock.Now()) {
		return current, nil
	}
	if strings.TrimSpace(current.RefreshToken) == "" {
		manager.metrics.Increment(metricTokenRefreshFailure)
		return tokenstore.Credential{}, &RequestError{Kind: ErrTokenRefresh, Operation: operationTokenRefresh, Cause: errMissingRefreshToken}
	}

	issued, requestErr := manager.requestToken(ctx, ErrTokenRefresh, operationTokenRefresh, tokenRequest{
		ClientID:     manager.configuration.ClientID,
		ClientSecret: manager.configuration.ClientSecret,
		GrantType:    grantTypeRefreshToken,
		RefreshToken: current.RefreshToken,
		RedirectURI:  manager.configuration.RedirectURI,
	})
	if requestErr != nil {
		manager.metrics.Increment(metricTokenRefreshFailure)
		manager.logger.Warn("token refresh failed",
			zap.String("code", "token.refresh.failed"),
			zap.Error(requestErr))
		return tokenstore.Credential{}, requestErr
	}

	manager.metrics.Increment(metricTokenRefreshSuccess)
	if persistErr := manager.commit(ctx, issued); persistErr != nil {
		// The CRM has already rotated the refresh token, so the new credential stays live.
		manager.metrics.Increment(metricTokenPersistFailure)
		manager.logger.Error("refreshed credential not persisted",
			zap.String("code", "token.refresh.persist_failed"),
			zap.Error(persistErr))
	}
	manager.logger.Info("token refreshed",
		zap.String("code", "token.refresh.success"),
		zap.Int64("expires_at", issued.ExpiresAt))
	return issued, nil
}

// commit swaps the live credential and mirrors it to the store.
func (manager *TokenManager) commit(ctx context.Context, issued tokenstore.Credential) error {
	live := issued
	manager.credentialMutex.Lock()
	manager.credential = &live
	manager.credentialMutex.Unlock()

	if saveErr := manager.store.Save(context.WithoutCancel(ctx), issued); saveErr != nil {
		return fmt.Errorf("%w: %w", ErrCredentialPersist, saveErr)
	}
	return nil
}

func (manager *TokenManager) requestToken(ctx context.Context, kind error, operation string, payload tokenRequest) (tokenstore.Credential, error) {
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, Cause: encodeErr}
	}
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, manager.configuration.TokenURL(), bytes.NewReader(encoded))
	if buildErr != nil {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, Cause: buildErr}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, doErr := manager.httpClient.Do(request)
	if doErr != nil {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, Cause: doErr}
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := readResponseBody(response.Body)
	if readErr != nil {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, StatusCode: response.StatusCode, Cause: readErr}
	}
	if !isSuccessStatus(response.StatusCode) {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, StatusCode: response.StatusCode, Body: string(body)}
	}

	var decoded tokenResponse
	if decodeErr := json.Unmarshal(body, &decoded); decodeErr != nil {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, StatusCode: response.StatusCode, Cause: decodeErr}
	}
	if decoded.AccessToken == "" || decoded.RefreshToken == "" {
		return tokenstore.Credential{}, &RequestError{Kind: kind, Operation: operation, StatusCode: response.StatusCode, Cause: errIncompleteTokenResponse}
	}

	return tokenstore.Credential{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		ExpiresAt:    manager.clock.Now().Unix() + decoded.ExpiresIn,
	}, nil
}
