package amocrm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticTokenProvider struct {
	token string
	err   error
}

func (provider staticTokenProvider) GetValidToken(ctx context.Context) (string, error) {
	return provider.token, provider.err
}

type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

type crmRecorder struct {
	mutex    sync.Mutex
	requests []recordedRequest
}

func (recorder *crmRecorder) record(request *http.Request) recordedRequest {
	body, _ := io.ReadAll(request.Body)
	recorded := recordedRequest{
		method: request.Method,
		path:   request.URL.Path,
		query:  request.URL.Query().Get("query"),
		header: request.Header.Clone(),
		body:   body,
	}
	recorder.mutex.Lock()
	recorder.requests = append(recorder.requests, recorded)
	recorder.mutex.Unlock()
	return recorded
}

func (recorder *crmRecorder) all() []recordedRequest {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]recordedRequest(nil), recorder.requests...)
}

func newCRMTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *crmRecorder) {
	t.Helper()
	recorder := &crmRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		recorder.record(request)
		handler(writer, request)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/", staticTokenProvider{token: "live-token"}, server.Client(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return client, recorder
}

func TestFindContactReturnsFirstMatch(t *testing.T) {
	client, recorder := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/hal+json")
		_, _ = writer.Write([]byte(`{"_embedded":{"contacts":[{"id":42,"name":"Jane"},{"id":77}]}}`))
	})

	contactID, found, err := client.FindContactByEmailOrPhone(context.Background(), "a@b.c", "+100")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ContactID(42), contactID)

	requests := recorder.all()
	require.Len(t, requests, 1)
	require.Equal(t, http.MethodGet, requests[0].method)
	require.Equal(t, "/api/v4/contacts", requests[0].path)
	require.Equal(t, "(a@b.c) OR (+100)", requests[0].query)
	require.Equal(t, "Bearer live-token", requests[0].header.Get("Authorization"))
	require.Equal(t, "application/hal+json", requests[0].header.Get("Accept"))
}

func TestFindContactTreatsNoContentAsNotFound(t *testing.T) {
	client, _ := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})

	contactID, found, err := client.FindContactByEmailOrPhone(context.Background(), "new@x.y", "")
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, contactID)
}

func TestFindContactQueryUsesSingleValue(t *testing.T) {
	client, recorder := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"_embedded":{"contacts":[]}}`))
	})

	_, found, err := client.FindContactByEmailOrPhone(context.Background(), "", " +5 ")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, "+5", recorder.all()[0].query)

	_, _, emptyErr := client.FindContactByEmailOrPhone(context.Background(), " ", "")
	require.ErrorIs(t, emptyErr, ErrCRMRequest)
	require.ErrorIs(t, emptyErr, errEmptyContactLookup)
	require.Len(t, recorder.all(), 1)
}

func TestUpdateContactSendsOnlyProvidedFields(t *testing.T) {
	client, recorder := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"id":42}`))
	})

	err := client.UpdateContact(context.Background(), 42, ContactFields{Name: "Jane", Email: "a@b.c"})
	require.NoError(t, err)

	request := recorder.all()[0]
	require.Equal(t, http.MethodPatch, request.method)
	require.Equal(t, "/api/v4/contacts/42", request.path)
	require.Equal(t, "application/json", request.header.Get("Content-Type"))
	require.JSONEq(t, `{"name":"Jane","custom_fields_values":[{"field_code":"EMAIL","values":[{"value":"a@b.c"}]}]}`, string(request.body))
}

func TestCreateContactReturnsNewID(t *testing.T) {
	client, recorder := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"_embedded":{"contacts":[{"id":99,"request_id":"0"}]}}`))
	})

	contactID, err := client.CreateContact(context.Background(), "New", "+1", "new@x.y")
	require.NoError(t, err)
	require.Equal(t, ContactID(99), contactID)

	request := recorder.all()[0]
	require.Equal(t, http.MethodPost, request.method)
	require.Equal(t, "/api/v4/contacts", request.path)

	var payload []map[string]interface{}
	require.NoError(t, json.Unmarshal(request.body, &payload))
	require.Len(t, payload, 1)
	require.Equal(t, "New", payload[0]["name"])
	require.Len(t, payload[0]["custom_fields_values"], 2)
}

func TestCreateContactWithoutIDFails(t *testing.T) {
	client, _ := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"_embedded":{"contacts":[]}}`))
	})

	_, err := client.CreateContact(context.Background(), "New", "", "new@x.y")
	require.ErrorIs(t, err, ErrContactCreation)
	require.ErrorIs(t, err, errMissingEntityID)
}

func TestCreateDealLinksContact(t *testing.T) {
	client, recorder := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"_embedded":{"leads":[{"id":500}]}}`))
	})

	dealID, err := client.CreateDeal(context.Background(), 99)
	require.NoError(t, err)
	require.Equal(t, DealID(500), dealID)

	request := recorder.all()[0]
	require.Equal(t, http.MethodPost, request.method)
	require.Equal(t, "/api/v4/leads", request.path)
	require.JSONEq(t, `[{"_embedded":{"contacts":[{"id":99}]}}]`, string(request.body))
}

func TestCRMRejectionCarriesStatusAndBody(t *testing.T) {
	client, _ := newCRMTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"title":"Unauthorized"}`))
	})

	err := client.UpdateContact(context.Background(), 1, ContactFields{Name: "x"})
	require.ErrorIs(t, err, ErrCRMRequest)

	var requestErr *RequestError
	require.True(t, errors.As(err, &requestErr))
	require.Equal(t, http.StatusUnauthorized, requestErr.StatusCode)
	require.Contains(t, requestErr.Body, "Unauthorized")
	require.Equal(t, operationContactUpdate, requestErr.Operation)
}

func TestCRMCallFailsWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		t.Errorf("unexpected CRM request %s %s", request.Method, request.URL.Path)
	}))
	t.Cleanup(server.Close)

	tokenErr := &RequestError{Kind: ErrTokenRefresh, Operation: operationTokenRefresh, Cause: ErrNotAuthenticated}
	client, err := NewClient(server.URL, staticTokenProvider{err: tokenErr}, server.Client(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, _, lookupErr := client.FindContactByEmailOrPhone(context.Background(), "a@b.c", "")
	require.ErrorIs(t, lookupErr, ErrCRMRequest)
	require.ErrorIs(t, lookupErr, ErrTokenRefresh)
	require.ErrorIs(t, lookupErr, ErrNotAuthenticated)
}

func TestNewClientValidatesInputs(t *testing.T) {
	_, err := NewClient(" ", staticTokenProvider{}, nil, nil)
	require.ErrorIs(t, err, errMissingAPIURL)

	_, err = NewClient("https://example.amocrm.ru", nil, nil, nil)
	require.ErrorIs(t, err, errMissingTokenProvider)
}
