package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/amocrm-sync/internal/tokenstore"
	"go.uber.org/zap"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func setRequiredConfig() {
	viper.Set("client_id", "client")
	viper.Set("client_secret", "secret")
	viper.Set("redirect_uri", "https://app.example.com/amo-crm/callback")
	viper.Set("api_url", "https://example.amocrm.ru")
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigReportsMissingFields(t *testing.T) {
	testCases := []struct {
		name            string
		omit            string
		expectedMessage string
	}{
		{name: "client id", omit: "client_id", expectedMessage: "config.missing_client_id: client_id must be provided"},
		{name: "client secret", omit: "client_secret", expectedMessage: "config.missing_client_secret: client_secret must be provided"},
		{name: "redirect uri", omit: "redirect_uri", expectedMessage: "config.missing_redirect_uri: redirect_uri must be provided"},
		{name: "api url", omit: "api_url", expectedMessage: "config.missing_api_url: api_url must be provided"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			setRequiredConfig()
			viper.Set(testCase.omit, "")

			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigRejectsRelativeAPIURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredConfig()
	viper.Set("api_url", "example.amocrm.ru")

	_, err := LoadServerConfig()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidAPIURL) {
		t.Fatalf("expected %s, got %v", configCodeInvalidAPIURL, err)
	}
}

func TestLoadServerConfigRequiresPositiveStateTTL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredConfig()
	viper.Set("state_ttl", 0)

	_, err := LoadServerConfig()
	expectedMessage := "config.invalid_state_ttl: state_ttl must be greater than zero"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setRequiredConfig()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.CRM.HTTPTimeout != 5*time.Second || config.CRM.MaxRedirects != 5 {
		t.Fatalf("unexpected transport defaults: %+v", config.CRM)
	}
	if config.StateTTL != 10*time.Minute || len(config.StateSigningKey) != 32 {
		t.Fatalf("unexpected state defaults: ttl=%s key=%d", config.StateTTL, len(config.StateSigningKey))
	}
	if config.CRM.AuthURL != "https://www.amocrm.ru/oauth" {
		t.Fatalf("unexpected auth url %q", config.CRM.AuthURL)
	}
}

func TestLegacySecretVariableIsAccepted(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	newRootCommand()
	t.Setenv("AMO_CLIENT_ID", "client")
	t.Setenv("AMO_SERCET_KEY", "legacy-secret")
	t.Setenv("AMO_REDIRECT_URI", "https://app.example.com/amo-crm/callback")
	t.Setenv("AMO_API_URL", "https://example.amocrm.ru")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration from environment, got %v", err)
	}
	if config.CRM.ClientSecret != "legacy-secret" || config.CRM.ClientID != "client" {
		t.Fatalf("unexpected configuration %+v", config.CRM)
	}
}

func TestRunServerCredentialStoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start when the credential store fails")
		return nil
	})
	defer restoreServe()

	restoreStore := withCredentialStoreStub(func(ctx context.Context, storeURL string) (tokenstore.Store, string, error) {
		return nil, "", errors.New("store_fail")
	})
	defer restoreStore()

	setRequiredConfig()
	command := preparedCommand(t)

	if err := runServer(command, nil); err == nil || err.Error() != "config.credential_store_init: store_fail" {
		t.Fatalf("expected credential store init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/amo-crm/status", nil))
		if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"authenticated":false`) {
			t.Fatalf("unexpected status response %d %s", recorder.Code, recorder.Body.String())
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredConfig()
	viper.Set("listen_addr", ":0")
	viper.Set("credential_store", "sqlite://"+filepath.Join(t.TempDir(), "credentials.db"))
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})
	command := preparedCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredConfig()
	viper.Set("listen_addr", ":0")
	viper.Set("credential_store", "memory://")
	command := preparedCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func TestRunServerRejectsInvalidCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredConfig()
	viper.Set("credential_store", "memory://")
	viper.Set("enable_cors", true)
	command := preparedCommand(t)

	if err := runServer(command, nil); err == nil {
		t.Fatalf("expected CORS configuration error without origins")
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func preparedCommand(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withCredentialStoreStub(stub func(ctx context.Context, storeURL string) (tokenstore.Store, string, error)) func() {
	previous := openCredentialStore
	openCredentialStore = stub
	return func() {
		openCredentialStore = previous
	}
}

type closeRecordingStore struct {
	*tokenstore.MemoryStore
	closed bool
}

func (store *closeRecordingStore) Close() error {
	store.closed = true
	return nil
}

func TestRunServerClosesCredentialStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	store := &closeRecordingStore{MemoryStore: tokenstore.NewMemoryStore()}
	restoreStore := withCredentialStoreStub(func(ctx context.Context, storeURL string) (tokenstore.Store, string, error) {
		return store, "recording", nil
	})
	defer restoreStore()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if store.closed {
			t.Fatalf("store closed before the server stopped")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredConfig()
	command := preparedCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if !store.closed {
		t.Fatalf("expected credential store to be closed on exit")
	}
}

func TestCredentialStoreFlagListsSchemes(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	usage := newRootCommand().Flags().Lookup("credential_store").Usage
	for _, scheme := range []string{"memory://", "file://", "sqlite://", "postgres://", "pgx://"} {
		if !strings.Contains(usage, scheme) {
			t.Fatalf("expected credential_store help to mention %s, got %q", scheme, usage)
		}
	}
}
