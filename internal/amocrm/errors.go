package amocrm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTokenExchange indicates the authorization-code exchange failed.
	ErrTokenExchange = errors.New("amocrm.token_exchange_failed")
	// ErrTokenRefresh indicates the refresh-token grant failed.
	ErrTokenRefresh = errors.New("amocrm.token_refresh_failed")
	// ErrCRMRequest indicates an authenticated CRM call failed.
	ErrCRMRequest = errors.New("amocrm.crm_request_failed")
	// ErrContactCreation indicates the CRM did not return a usable id for a new contact.
	ErrContactCreation = errors.New("amocrm.contact_creation_failed")
	// ErrUpsertFailed is the single failure kind of the find-or-create workflow.
	ErrUpsertFailed = errors.New("amocrm.upsert_failed")
	// ErrDealLinkFailed marks an upsert that created a contact but could not create its deal.
	ErrDealLinkFailed = errors.New("amocrm.deal_link_failed")
	// ErrNotAuthenticated indicates no credential has been obtained yet.
	ErrNotAuthenticated = errors.New("amocrm.not_authenticated")
	// ErrCredentialPersist indicates a credential was obtained but could not be stored.
	ErrCredentialPersist = errors.New("amocrm.credential_persist_failed")

	errEmptyAuthorizationCode  = errors.New("amocrm.empty_authorization_code")
	errIncompleteTokenResponse = errors.New("amocrm.incomplete_token_response")
	errMissingRefreshToken     = errors.New("amocrm.missing_refresh_token")
	errEmptyContactLookup      = errors.New("amocrm.empty_contact_lookup")
	errMissingEntityID         = errors.New("amocrm.missing_entity_id")
)

// RequestError describes a failed call to the CRM. It matches Kind and Cause with errors.Is.
type RequestError struct {
	Kind       error
	Operation  string
	StatusCode int
	Body       string
	Cause      error
}

func (requestError *RequestError) Error() string {
	var builder strings.Builder
	if requestError.Kind != nil {
		builder.WriteString(requestError.Kind.Error())
	} else {
		builder.WriteString("amocrm.request_failed")
	}
	if requestError.Operation != "" {
		builder.WriteString(": ")
		builder.WriteString(requestError.Operation)
	}
	if requestError.StatusCode != 0 {
		fmt.Fprintf(&builder, ": status %d", requestError.StatusCode)
	}
	if requestError.Body != "" {
		builder.WriteString(": ")
		builder.WriteString(requestError.Body)
	}
	if requestError.Cause != nil {
		builder.WriteString(": ")
		builder.WriteString(requestError.Cause.Error())
	}
	return builder.String()
}

func (requestError *RequestError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if requestError.Kind != nil {
		wrapped = append(wrapped, requestError.Kind)
	}
	if requestError.Cause != nil {
		wrapped = append(wrapped, requestError.Cause)
	}
	return wrapped
}

// UpsertError is returned by the find-or-create workflow. The underlying CRM failure is
// logged, never carried. OrphanContactID is set when the contact was created but the deal was not.
type UpsertError struct {
	OrphanContactID ContactID
}

func (upsertError *UpsertError) Error() string {
	if upsertError.OrphanContactID != 0 {
		return fmt.Sprintf("%s: contact %d created without deal", ErrUpsertFailed.Error(), upsertError.OrphanContactID)
	}
	return ErrUpsertFailed.Error()
}

func (upsertError *UpsertError) Unwrap() []error {
	if upsertError.OrphanContactID != 0 {
		return []error{ErrUpsertFailed, ErrDealLinkFailed}
	}
	return []error{ErrUpsertFailed}
}
