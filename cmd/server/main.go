package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/amocrm-sync/internal/amocrm"
	"github.com/tyemirov/amocrm-sync/internal/tokenstore"
	"github.com/tyemirov/amocrm-sync/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var openCredentialStore = func(ctx context.Context, storeURL string) (tokenstore.Store, string, error) {
	return tokenstore.Open(ctx, storeURL)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "amocrm-sync",
		Short:   "amoCRM integration: OAuth2 token lifecycle and find-or-create contact endpoint",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("client_id", "", "amoCRM integration client ID")
	rootCmd.Flags().String("client_secret", "", "amoCRM integration client secret")
	rootCmd.Flags().String("redirect_uri", "", "OAuth2 redirect URI registered for the integration")
	rootCmd.Flags().String("api_url", "", "amoCRM account base URL, e.g. https://example.amocrm.ru")
	rootCmd.Flags().String("auth_url", amocrm.DefaultAuthURL, "amoCRM consent page URL")
	rootCmd.Flags().String("credential_store", "file://tokenStorage.json", "Credential store URL (memory://, file://, sqlite://, postgres://, pgx://)")
	rootCmd.Flags().Duration("http_timeout", amocrm.DefaultHTTPTimeout, "Timeout for outbound amoCRM requests")
	rootCmd.Flags().Int("max_redirects", amocrm.DefaultMaxRedirects, "Redirects followed on outbound amoCRM requests")
	rootCmd.Flags().Duration("state_ttl", 10*time.Minute, "Lifetime of the OAuth2 state issued by /amo-crm/authorize")
	rootCmd.Flags().String("state_signing_key", "", "HS256 key for OAuth2 state; random per process when empty")
	rootCmd.Flags().Bool("require_state", false, "Reject callbacks that carry no state")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients of /amo-crm")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled; \"*\" allows any")

	for _, key := range []string{
		"listen_addr", "client_id", "client_secret", "redirect_uri", "api_url", "auth_url",
		"credential_store", "http_timeout", "max_redirects", "state_ttl", "state_signing_key",
		"require_state", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("AMO")
	viper.AutomaticEnv()
	_ = viper.BindEnv("client_secret", "AMO_CLIENT_SECRET", "AMO_SERCET_KEY")

	return rootCmd
}

const (
	configCodeMissingClientID         = "config.missing_client_id"
	configCodeMissingClientSecret     = "config.missing_client_secret"
	configCodeMissingRedirectURI      = "config.missing_redirect_uri"
	configCodeMissingAPIURL           = "config.missing_api_url"
	configCodeInvalidAPIURL           = "config.invalid_api_url"
	configCodeInvalidStateTTL         = "config.invalid_state_ttl"
	configCodeInvalidMaxRedirects     = "config.invalid_max_redirects"
	configCodeStateKeyGeneration      = "config.state_key_generation"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeCredentialStoreInit     = "config.credential_store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (amocrm.ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("client_id"))
	if clientID == "" {
		return amocrm.ServerConfig{}, configError(configCodeMissingClientID, "client_id must be provided")
	}

	clientSecret := strings.TrimSpace(viper.GetString("client_secret"))
	if clientSecret == "" {
		return amocrm.ServerConfig{}, configError(configCodeMissingClientSecret, "client_secret must be provided")
	}

	redirectURI := strings.TrimSpace(viper.GetString("redirect_uri"))
	if redirectURI == "" {
		return amocrm.ServerConfig{}, configError(configCodeMissingRedirectURI, "redirect_uri must be provided")
	}

	apiURL := strings.TrimSpace(viper.GetString("api_url"))
	if apiURL == "" {
		return amocrm.ServerConfig{}, configError(configCodeMissingAPIURL, "api_url must be provided")
	}
	parsedAPIURL, parseErr := url.Parse(apiURL)
	if parseErr != nil || parsedAPIURL.Scheme == "" || parsedAPIURL.Host == "" {
		return amocrm.ServerConfig{}, configError(configCodeInvalidAPIURL, "api_url must be an absolute URL")
	}

	maxRedirects := amocrm.DefaultMaxRedirects
	if viper.IsSet("max_redirects") {
		maxRedirects = viper.GetInt("max_redirects")
	}
	if maxRedirects < 0 {
		return amocrm.ServerConfig{}, configError(configCodeInvalidMaxRedirects, "max_redirects must not be negative")
	}

	httpTimeout := amocrm.DefaultHTTPTimeout
	if configuredTimeout := viper.GetDuration("http_timeout"); configuredTimeout > 0 {
		httpTimeout = configuredTimeout
	}

	stateTTL := 10 * time.Minute
	if viper.IsSet("state_ttl") {
		stateTTL = viper.GetDuration("state_ttl")
	}
	if stateTTL <= 0 {
		return amocrm.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	stateSigningKey := []byte(viper.GetString("state_signing_key"))
	if len(stateSigningKey) == 0 {
		generatedKey, keyErr := amocrm.GenerateSigningKey()
		if keyErr != nil {
			return amocrm.ServerConfig{}, configError(configCodeStateKeyGeneration, keyErr.Error())
		}
		stateSigningKey = generatedKey
	}

	authURL := strings.TrimSpace(viper.GetString("auth_url"))
	if authURL == "" {
		authURL = amocrm.DefaultAuthURL
	}

	return amocrm.ServerConfig{
		CRM: amocrm.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  redirectURI,
			APIURL:       apiURL,
			AuthURL:      authURL,
			HTTPTimeout:  httpTimeout,
			MaxRedirects: maxRedirects,
		},
		StateSigningKey: stateSigningKey,
		StateTTL:        stateTTL,
		RequireState:    viper.GetBool("require_state"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(amocrm.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	credentialStoreURL := viper.GetString("credential_store")
	if strings.TrimSpace(credentialStoreURL) == "" {
		credentialStoreURL = "file://tokenStorage.json"
	}
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	startupContext := commandContext
	if startupContext == nil {
		startupContext = context.Background()
	}

	credentialStore, storeDriver, storeErr := openCredentialStore(startupContext, credentialStoreURL)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeCredentialStoreInit, storeErr)
	}
	logger.Info("using credential store", zap.String("driver", storeDriver))
	if closer, ok := credentialStore.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("credential store close failed", zap.Error(err))
			}
		}()
	}

	clock := amocrm.NewSystemClock()
	metricsRecorder := amocrm.NewCounterMetrics()
	httpClient := amocrm.NewHTTPClient(serverConfig.CRM.HTTPTimeout, serverConfig.CRM.MaxRedirects)

	tokenManager, managerErr := amocrm.NewTokenManager(serverConfig.CRM, credentialStore, httpClient,
		amocrm.WithClock(clock),
		amocrm.WithLogger(logger),
		amocrm.WithMetrics(metricsRecorder),
	)
	if managerErr != nil {
		return managerErr
	}
	if initErr := tokenManager.Initialize(startupContext); initErr != nil {
		return initErr
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), serverConfig.CRM.HTTPTimeout)
		defer drainCancel()
		if err := tokenManager.Shutdown(drainCtx); err != nil {
			logger.Warn("token manager shutdown incomplete", zap.Error(err))
		}
	}()

	crmClient, clientErr := amocrm.NewClient(serverConfig.CRM.APIURL, tokenManager, httpClient, logger)
	if clientErr != nil {
		return clientErr
	}
	synchronizer := amocrm.NewContactSynchronizer(crmClient, logger, metricsRecorder)

	nonceStore := amocrm.NewMemoryNonceStore(serverConfig.StateTTL, clock)
	stateIssuer, stateErr := amocrm.NewStateIssuer(serverConfig.StateSigningKey, serverConfig.StateTTL, nonceStore, clock)
	if stateErr != nil {
		return stateErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	amocrm.MountCRMRoutes(router, serverConfig, tokenManager, synchronizer, stateIssuer, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("api_url", serverConfig.CRM.BaseURL()))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	logger.Info("stopped", zap.Any("counters", metricsRecorder.Snapshot()))
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
