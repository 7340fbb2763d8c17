package waldurclient

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/model"
)

type offeringComponentPayload struct {
	Type           string                   `json:"type"`
	Name           string                   `json:"name"`
	MeasuredUnit   string                   `json:"measured_unit"`
	BillingType    model.AccountingType     `json:"billing_type"`
	LimitPeriod    model.LimitPeriod        `json:"limit_period,omitempty"`
	LimitAmount    *int                     `json:"limit_amount,omitempty"`
}

// LoadOfferingComponents reconciles the offering's billable components with
// the configured backend_components (site-agent's `load-components`
// subcommand in spec.md §9 command surface).
func (c *Client) LoadOfferingComponents(ctx context.Context, offeringUUID string, components map[string]model.BackendComponent) error {
	existing, err := c.listOfferingComponents(ctx, offeringUUID)
	if err != nil {
		return err
	}
	existingTypes := map[string]bool{}
	for _, e := range existing {
		existingTypes[e.Type] = true
	}

	for componentType, spec := range components {
		payload := offeringComponentPayload{
			Type:         componentType,
			Name:         spec.Label,
			MeasuredUnit: spec.MeasuredUnit,
			BillingType:  spec.AccountingType,
			LimitPeriod:  spec.LimitPeriod,
			LimitAmount:  spec.Limit,
		}
		if existingTypes[componentType] {
			path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/update_offering_component/", offeringUUID)
			if err := c.post(ctx, path, payload, nil); err != nil {
				return fmt.Errorf("update component %s: %w", componentType, err)
			}
			continue
		}
		path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/add_offering_component/", offeringUUID)
		if err := c.post(ctx, path, payload, nil); err != nil {
			return fmt.Errorf("add component %s: %w", componentType, err)
		}
	}
	return nil
}

func (c *Client) listOfferingComponents(ctx context.Context, offeringUUID string) ([]offeringComponentPayload, error) {
	path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/", offeringUUID)
	var offering struct {
		Components []offeringComponentPayload `json:"components"`
	}
	if err := c.get(ctx, path, NewQuery().Fields("components").Values(), &offering); err != nil {
		return nil, err
	}
	return offering.Components, nil
}
