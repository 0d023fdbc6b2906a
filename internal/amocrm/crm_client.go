package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	contactsPath = "/api/v4/contacts"
	leadsPath    = "/api/v4/leads"

	fieldCodeEmail = "EMAIL"
	fieldCodePhone = "PHONE"

	contentTypeJSON = "application/json"
	contentTypeHAL  = "application/hal+json"

	operationContactLookup = "contacts.lookup"
	operationContactUpdate = "contacts.update"
	operationContactCreate = "contacts.create"
	operationDealCreate    = "leads.create"
)

var (
	errMissingTokenProvider = errors.New("crm_client.missing_token_provider")
	errMissingAPIURL        = errors.New("crm_client.missing_api_url")
)

// ContactID is the CRM identifier of a contact.
type ContactID int64

// DealID is the CRM identifier of a deal (lead).
type DealID int64

// ContactFields are the contact attributes the integration writes.
type ContactFields struct {
	Name  string
	Email string
	Phone string
}

// TokenProvider yields an access token that is valid at the moment of use.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
}

type remoteEntity struct {
	ID int64 `json:"id"`
}

type fieldValue struct {
	Value string `json:"value"`
}

type customFieldValue struct {
	FieldCode string       `json:"field_code"`
	Values    []fieldValue `json:"values"`
}

type contactPayload struct {
	Name               string             `json:"name,omitempty"`
	CustomFieldsValues []customFieldValue `json:"custom_fields_values,omitempty"`
}

type leadEmbedded struct {
	Contacts []remoteEntity `json:"contacts"`
}

type leadPayload struct {
	Embedded leadEmbedded `json:"_embedded"`
}

type entityEnvelope struct {
	Embedded struct {
		Contacts []remoteEntity `json:"contacts"`
		Leads    []remoteEntity `json:"leads"`
	} `json:"_embedded"`
}

// Client performs the authenticated CRM calls used by the contact workflow. None of them retry.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a CRM client for the API at baseURL.
func NewClient(baseURL string, tokens TokenProvider, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("crm_client.new: %w", errMissingAPIURL)
	}
	if tokens == nil {
		return nil, fmt.Errorf("crm_client.new: %w", errMissingTokenProvider)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout, DefaultMaxRedirects)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    trimmed,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FindContactByEmailOrPhone returns the first contact the CRM matches for either value.
// The second result is false when nothing matched.
func (client *Client) FindContactByEmailOrPhone(ctx context.Context, email string, phone string) (ContactID, bool, error) {
	searchQuery := buildContactQuery(email, phone)
	if searchQuery == "" {
		return 0, false, &RequestError{Kind: ErrCRMRequest, Operation: operationContactLookup, Cause: errEmptyContactLookup}
	}

	statusCode, body, err := client.do(ctx, operationContactLookup, http.MethodGet, contactsPath, url.Values{"query": {searchQuery}}, nil, contentTypeHAL)
	if err != nil {
		return 0, false, err
	}
	if statusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		client.logger.Debug("contact not found", zap.String("code", "crm.contact.not_found"))
		return 0, false, nil
	}

	var envelope entityEnvelope
	if decodeErr := json.Unmarshal(body, &envelope); decodeErr != nil {
		return 0, false, &RequestError{Kind: ErrCRMRequest, Operation: operationContactLookup, StatusCode: statusCode, Cause: decodeErr}
	}
	if len(envelope.Embedded.Contacts) == 0 {
		client.logger.Debug("contact not found", zap.String("code", "crm.contact.not_found"))
		return 0, false, nil
	}
	found := ContactID(envelope.Embedded.Contacts[0].ID)
	client.logger.Debug("contact found",
		zap.String("code", "crm.contact.found"),
		zap.Int64("contact_id", int64(found)),
		zap.Int("matches", len(envelope.Embedded.Contacts)))
	return found, true, nil
}

// UpdateContact patches the named attributes of a contact; empty fields are left untouched remotely.
func (client *Client) UpdateContact(ctx context.Context, contactID ContactID, fields ContactFields) error {
	path := contactsPath + "/" + strconv.FormatInt(int64(contactID), 10)
	_, _, err := client.do(ctx, operationContactUpdate, http.MethodPatch, path, nil, buildContactPayload(fields), contentTypeJSON)
	if err != nil {
		return err
	}
	client.logger.Info("contact updated",
		zap.String("code", "crm.contact.updated"),
		zap.Int64("contact_id", int64(contactID)))
	return nil
}

// CreateContact creates a contact and returns its id.
func (client *Client) CreateContact(ctx context.Context, name string, phone string, email string) (ContactID, error) {
	payload := []contactPayload{buildContactPayload(ContactFields{Name: name, Email: email, Phone: phone})}
	statusCode, body, err := client.do(ctx, operationContactCreate, http.MethodPost, contactsPath, nil, payload, contentTypeJSON)
	if err != nil {
		return 0, err
	}
	var envelope entityEnvelope
	if decodeErr := json.Unmarshal(body, &envelope); decodeErr != nil {
		return 0, &RequestError{Kind: ErrContactCreation, Operation: operationContactCreate, StatusCode: statusCode, Body: string(body), Cause: decodeErr}
	}
	if len(envelope.Embedded.Contacts) == 0 || envelope.Embedded.Contacts[0].ID == 0 {
		return 0, &RequestError{Kind: ErrContactCreation, Operation: operationContactCreate, StatusCode: statusCode, Body: string(body), Cause: errMissingEntityID}
	}
	created := ContactID(envelope.Embedded.Contacts[0].ID)
	client.logger.Info("contact created",
		zap.String("code", "crm.contact.created"),
		zap.Int64("contact_id", int64(created)))
	return created, nil
}

// CreateDeal creates a deal linked to exactly one contact.
func (client *Client) CreateDeal(ctx context.Context, contactID ContactID) (DealID, error) {
	payload := []leadPayload{{Embedded: leadEmbedded{Contacts: []remoteEntity{{ID: int64(contactID)}}}}}
	statusCode, body, err := client.do(ctx, operationDealCreate, http.MethodPost, leadsPath, nil, payload, contentTypeJSON)
	if err != nil {
		return 0, err
	}
	var envelope entityEnvelope
	if decodeErr := json.Unmarshal(body, &envelope); decodeErr != nil {
		return 0, &RequestError{Kind: ErrCRMRequest, Operation: operationDealCreate, StatusCode: statusCode, Body: string(body), Cause: decodeErr}
	}
	if len(envelope.Embedded.Leads) == 0 || envelope.Embedded.Leads[0].ID == 0 {
		return 0, &RequestError{Kind: ErrCRMRequest, Operation: operationDealCreate, StatusCode: statusCode, Body: string(body), Cause: errMissingEntityID}
	}
	created := DealID(envelope.Embedded.Leads[0].ID)
	client.logger.Info("deal created",
		zap.String("code", "crm.deal.created"),
		zap.Int64("contact_id", int64(contactID)),
		zap.Int64("deal_id", int64(created)))
	return created, nil
}

// do obtains a valid token, sends one request and returns the status and body of a 2xx response.
func (client *Client) do(ctx context.Context, operation string, method string, path string, query url.Values, payload interface{}, accept string) (int, []byte, error) {
	accessToken, tokenErr := client.tokens.GetValidToken(ctx)
	if tokenErr != nil {
		return 0, nil, &RequestError{Kind: ErrCRMRequest, Operation: operation, Cause: tokenErr}
	}

	var requestBody io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return 0, nil, &RequestError{Kind: ErrCRMRequest, Operation: operation, Cause: encodeErr}
		}
		requestBody = bytes.NewReader(encoded)
	}

	request, buildErr := http.NewRequestWithContext(ctx, method, client.baseURL+path, requestBody)
	if buildErr != nil {
		return 0, nil, &RequestError{Kind: ErrCRMRequest, Operation: operation, Cause: buildErr}
	}
	if len(query) > 0 {
		request.URL.RawQuery = query.Encode()
	}
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(request)
	request.Header.Set("Accept", accept)
	if payload != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		client.logger.Warn("crm request failed",
			zap.String("code", "crm.request.transport"),
			zap.String("operation", operation),
			zap.Error(doErr))
		return 0, nil, &RequestError{Kind: ErrCRMRequest, Operation: operation, Cause: doErr}
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := readResponseBody(response.Body)
	if readErr != nil {
		return 0, nil, &RequestError{Kind: ErrCRMRequest, Operation: operation, StatusCode: response.StatusCode, Cause: readErr}
	}
	if !isSuccessStatus(response.StatusCode) {
		client.logger.Warn("crm request rejected",
			zap.String("code", "crm.request.rejected"),
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode))
		return 0, nil, &RequestError{Kind: ErrCRMRequest, Operation: operation, StatusCode: response.StatusCode, Body: string(body)}
	}
	return response.StatusCode, body, nil
}

func buildContactQuery(email string, phone string) string {
	trimmedEmail := strings.TrimSpace(email)
	trimmedPhone := strings.TrimSpace(phone)
	switch {
	case trimmedEmail != "" && trimmedPhone != "":
		return fmt.Sprintf("(%s) OR (%s)", trimmedEmail, trimmedPhone)
	case trimmedEmail != "":
		return trimmedEmail
	default:
		return trimmedPhone
	}
}

func buildContactPayload(fields ContactFields) contactPayload {
	payload := contactPayload{Name: strings.TrimSpace(fields.Name)}
	if email := strings.TrimSpace(fields.Email); email != "" {
		payload.CustomFieldsValues = append(payload.CustomFieldsValues, customFieldValue{
			FieldCode: fieldCodeEmail,
			Values:    []fieldValue{{Value: email}},
		})
	}
	if phone := strings.TrimSpace(fields.Phone); phone != "" {
		payload.CustomFieldsValues = append(payload.CustomFieldsValues, customFieldValue{
			FieldCode: fieldCodePhone,
			Values:    []fieldValue{{Value: phone}},
		})
	}
	return payload
}
