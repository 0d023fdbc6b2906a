package amocrm

import (
	"context"

	"go.uber.org/zap"
)

// ContactGateway is the set of CRM operations the workflow drives.
type ContactGateway interface {
	FindContactByEmailOrPhone(ctx context.Context, email string, phone string) (ContactID, bool, error)
	UpdateContact(ctx context.Context, contactID ContactID, fields ContactFields) error
	CreateContact(ctx context.Context, name string, phone string, email string) (ContactID, error)
	CreateDeal(ctx context.Context, contactID ContactID) (DealID, error)
}

// UpsertOutcome names the terminal branch the workflow took.
type UpsertOutcome string

const (
	// UpsertOutcomeUpdated means an existing contact was updated and no deal was created.
	UpsertOutcomeUpdated UpsertOutcome = "updated"
	// UpsertOutcomeCreated means a new contact and its deal were created.
	UpsertOutcomeCreated UpsertOutcome = "created"
)

// UpsertResult describes a successful workflow run.
type UpsertResult struct {
	Outcome   UpsertOutcome `json:"outcome"`
	ContactID ContactID     `json:"contact_id"`
	DealID    DealID        `json:"deal_id,omitempty"`
}

// ContactSynchronizer runs the find-or-create contact workflow.
type ContactSynchronizer struct {
	gateway ContactGateway
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewContactSynchronizer constructs the workflow over a CRM gateway.
func NewContactSynchronizer(gateway ContactGateway, logger *zap.Logger, metrics MetricsRecorder) *ContactSynchronizer {
	if gateway == nil {
		panic("contact gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ContactSynchronizer{gateway: gateway, logger: logger, metrics: metrics}
}

// FindOrCreateContact updates the contact matching email or phone, or creates a contact
// plus a linked deal. Every failure is reported as *UpsertError; the CRM detail is only logged.
func (synchronizer *ContactSynchronizer) FindOrCreateContact(ctx context.Context, name string, email string, phone string) (UpsertResult, error) {
	existingID, found, lookupErr := synchronizer.gateway.FindContactByEmailOrPhone(ctx, email, phone)
	if lookupErr != nil {
		return UpsertResult{}, synchronizer.fail("lookup", lookupErr, 0)
	}

	if found {
		if updateErr := synchronizer.gateway.UpdateContact(ctx, existingID, ContactFields{Name: name, Email: email, Phone: phone}); updateErr != nil {
			return UpsertResult{}, synchronizer.fail("update", updateErr, 0)
		}
		synchronizer.metrics.Increment(metricUpsertUpdated)
		return UpsertResult{Outcome: UpsertOutcomeUpdated, ContactID: existingID}, nil
	}

	createdID, createErr := synchronizer.gateway.CreateContact(ctx, name, phone, email)
	if createErr != nil {
		return UpsertResult{}, synchronizer.fail("create_contact", createErr, 0)
	}
	dealID, dealErr := synchronizer.gateway.CreateDeal(ctx, createdID)
	if dealErr != nil {
		synchronizer.metrics.Increment(metricUpsertOrphanContact)
		return UpsertResult{}, synchronizer.fail("link_deal", dealErr, createdID)
	}
	synchronizer.metrics.Increment(metricUpsertCreated)
	return UpsertResult{Outcome: UpsertOutcomeCreated, ContactID: createdID, DealID: dealID}, nil
}

func (synchronizer *ContactSynchronizer) fail(stage string, cause error, orphanContactID ContactID) error {
	synchronizer.metrics.Increment(metricUpsertFailure)
	fields := []zap.Field{
		zap.String("code", "upsert.failed"),
		zap.String("stage", stage),
		zap.Error(cause),
	}
	if orphanContactID != 0 {
		fields = append(fields, zap.Int64("orphan_contact_id", int64(orphanContactID)))
	}
	synchronizer.logger.Error("find-or-create contact failed", fields...)
	return &UpsertError{OrphanContactID: orphanContactID}
}
