package waldurclient

import (
	"context"

	"github.com/waldur/site-agent/internal/model"
)

// RegisterAgentIdentity announces this agent process to the marketplace,
// returning the identity record the rest of the event fabric keys off of.
func (c *Client) RegisterAgentIdentity(ctx context.Context, backendType, backendVersion string) (*model.AgentIdentity, error) {
	var identity model.AgentIdentity
	payload := map[string]string{"backend_type": backendType, "backend_version": backendVersion}
	if err := c.post(ctx, "/api/marketplace-agent-identities/", payload, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// RegisterAgentService attaches a reconciliation mode to an agent identity
// for a specific offering (order_process, report, membership_sync, event_process).
func (c *Client) RegisterAgentService(ctx context.Context, identityUUID, offeringUUID string, mode model.AgentMode) (*model.AgentService, error) {
	var service model.AgentService
	payload := map[string]string{
		"agent_identity_uuid": identityUUID,
		"offering_uuid":       offeringUUID,
		"mode":                string(mode),
	}
	if err := c.post(ctx, "/api/marketplace-agent-services/", payload, &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// RegisterAgentProcessor attaches one object-type subscription to an agent service.
func (c *Client) RegisterAgentProcessor(ctx context.Context, serviceUUID string, objectType model.EventObjectType) (*model.AgentProcessor, error) {
	var processor model.AgentProcessor
	payload := map[string]string{
		"agent_service_uuid": serviceUUID,
		"object_type":        string(objectType),
	}
	if err := c.post(ctx, "/api/marketplace-agent-processors/", payload, &processor); err != nil {
		return nil, err
	}
	return &processor, nil
}
