// Package identity manages this agent process's registration with the
// marketplace: the agent identity record, one agent service per
// reconciliation mode, one agent processor per subscribed object type, and
// the event subscriptions (broker queues) backing event-driven mode.
package identity

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// BackendVersion is stamped onto every agent identity this binary registers.
// Set at build time in a full release pipeline; a fixed string is fine here
// since this repo has no build-info injection step.
const BackendVersion = "site-agent/1.0"

// Manager registers and refreshes one offering's agent identity graph.
type Manager struct {
	client *waldurclient.Client
	logger *logging.Logger
}

// New constructs a Manager bound to one offering's marketplace client.
func New(client *waldurclient.Client, logger *logging.Logger) *Manager {
	return &Manager{client: client, logger: logger}
}

// Registration is the full set of marketplace records an agent run needs in
// event-processing mode: one identity, one service per mode, one processor
// per object type, and one subscription per processor.
type Registration struct {
	Identity      model.AgentIdentity
	Service       model.AgentService
	Processors    map[model.EventObjectType]model.AgentProcessor
	Subscriptions map[model.EventObjectType]model.EventSubscription
}

// RegisterForMode ensures an agent identity, service, and — for
// event-processing mode — one processor and subscription per object type
// the offering needs (spec.md §4.7).
func (m *Manager) RegisterForMode(ctx context.Context, offering model.Offering, mode model.AgentMode) (*Registration, error) {
	identity, err := m.client.RegisterAgentIdentity(ctx, offering.BackendType, BackendVersion)
	if err != nil {
		return nil, fmt.Errorf("register agent identity: %w", err)
	}

	service, err := m.client.RegisterAgentService(ctx, identity.UUID, offering.UUID, mode)
	if err != nil {
		return nil, fmt.Errorf("register agent service: %w", err)
	}

	reg := &Registration{
		Identity:      *identity,
		Service:       *service,
		Processors:    make(map[model.EventObjectType]model.AgentProcessor),
		Subscriptions: make(map[model.EventObjectType]model.EventSubscription),
	}

	if mode != model.ModeEventProcess {
		return reg, nil
	}

	for _, objectType := range model.ObjectTypesForOffering(offering) {
		processor, err := m.client.RegisterAgentProcessor(ctx, service.UUID, objectType)
		if err != nil {
			return nil, fmt.Errorf("register agent processor for %s: %w", objectType, err)
		}
		reg.Processors[objectType] = *processor

		sub, err := m.client.CreateEventSubscription(ctx, offering.UUID, objectType)
		if err != nil {
			return nil, fmt.Errorf("create event subscription for %s: %w", objectType, err)
		}
		reg.Subscriptions[objectType] = *sub

		m.logger.WithOffering(offering.Name).WithField("object_type", objectType).
			WithField("destination", model.SubscriptionDestination(sub.UUID, offering.UUID, objectType)).
			Info("event subscription registered")
	}

	return reg, nil
}

// Teardown deletes every subscription in reg, continuing past a failed
// delete and returning the first error. The agent's shutdown path
// (eventbus.Supervisor.Stop) does not call it: subscriptions outlive a
// stop so a restart resumes the same broker queues.
func (m *Manager) Teardown(ctx context.Context, reg *Registration) error {
	var firstErr error
	for objectType, sub := range reg.Subscriptions {
		if err := m.client.DeleteEventSubscription(ctx, sub.UUID); err != nil {
			m.logger.WithField("object_type", objectType).WithError(err).
				Warn("failed to delete event subscription during teardown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RecoverSubscriptions lists this agent's existing subscriptions. The
// startup path (eventbus.Supervisor.Start) does not call it; it registers
// subscriptions afresh through RegisterForMode.
func (m *Manager) RecoverSubscriptions(ctx context.Context) ([]model.EventSubscription, error) {
	return m.client.ListEventSubscriptions(ctx)
}
