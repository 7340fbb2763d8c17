package processor

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// OfferingUserProcessor drives the REQUESTED → CREATING → {OK,
// PENDING_ACCOUNT_LINKING, PENDING_ADDITIONAL_VALIDATION} state machine
// (spec.md §4.6). Only runs when the offering's username generation policy
// is service_provider — otherwise the marketplace (or the user) assigns
// usernames and this agent must not touch them.
type OfferingUserProcessor struct {
	client   *waldurclient.Client
	backend  backend.UsernameBackend
	offering model.Offering
	logger   *logging.Logger
}

// NewOfferingUserProcessor constructs an OfferingUserProcessor for one offering's cycle.
func NewOfferingUserProcessor(client *waldurclient.Client, be backend.UsernameBackend, offering model.Offering, logger *logging.Logger) *OfferingUserProcessor {
	return &OfferingUserProcessor{client: client, backend: be, offering: offering, logger: logger}
}

// Run advances every REQUESTED offering user through the state machine, and
// refreshes attributes on OK users when the backend supports it.
func (p *OfferingUserProcessor) Run(ctx context.Context) error {
	if !p.offering.UsernameGenerationPolicyServiceProvider {
		return nil
	}

	users, err := p.client.ListOfferingUsers(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list offering users: %w", err)
	}

	for _, user := range users {
		switch user.State {
		case model.OfferingUserRequested:
			p.advance(ctx, user)
		case model.OfferingUserOK:
			p.refreshAttributes(ctx, user)
		}
	}
	return nil
}

// ProcessEvent advances a single offering user referenced by an
// OFFERING_USER event.
func (p *OfferingUserProcessor) ProcessEvent(ctx context.Context, offeringUserUUID string) error {
	users, err := p.client.ListOfferingUsers(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list offering users: %w", err)
	}
	for _, user := range users {
		if user.UUID == offeringUserUUID && user.State == model.OfferingUserRequested {
			p.advance(ctx, user)
			return nil
		}
	}
	return nil
}

func (p *OfferingUserProcessor) advance(ctx context.Context, user model.OfferingUser) {
	logEntry := p.logger.WithOffering(p.offering.Name).WithField("offering_user_uuid", user.UUID)

	if err := p.client.TransitionOfferingUserState(ctx, user.UUID, model.OfferingUserCreating); err != nil {
		logEntry.WithError(err).Warn("failed to transition offering user to CREATING")
		return
	}

	result := p.backend.GenerateUsername(ctx, user, p.offering)
	switch result.Kind {
	case backend.UsernameOK:
		if err := p.client.SetOfferingUserUsername(ctx, user.UUID, result.Username); err != nil {
			logEntry.WithError(err).Warn("failed to set offering user username")
			return
		}
		if err := p.client.TransitionOfferingUserState(ctx, user.UUID, model.OfferingUserOK); err != nil {
			logEntry.WithError(err).Warn("failed to transition offering user to OK")
		}
	case backend.UsernameNeedsLinking:
		if err := p.client.TransitionOfferingUserState(ctx, user.UUID, model.OfferingUserPendingAccountLinking); err != nil {
			logEntry.WithError(err).Warn("failed to transition offering user to PENDING_ACCOUNT_LINKING")
		}
	case backend.UsernameNeedsValidation:
		if err := p.client.TransitionOfferingUserState(ctx, user.UUID, model.OfferingUserPendingAdditionalValidation); err != nil {
			logEntry.WithError(err).Warn("failed to transition offering user to PENDING_ADDITIONAL_VALIDATION")
		}
	case backend.UsernameErr:
		logEntry.WithError(result.Err).Error("username generation failed")
	}
}

func (p *OfferingUserProcessor) refreshAttributes(ctx context.Context, user model.OfferingUser) {
	if !p.backend.SupportsUserAttributeUpdates() {
		return
	}
	if err := p.backend.UpdateUserAttributes(ctx, user, p.offering); err != nil {
		p.logger.WithOffering(p.offering.Name).WithField("offering_user_uuid", user.UUID).
			WithError(err).Warn("failed to refresh offering user attributes")
	}
}
