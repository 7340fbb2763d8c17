package waldurclient

import (
	"context"
	"fmt"

	"github.com/waldur/site-agent/internal/model"
)

var offeringUserListFields = []string{
	"uuid", "user_uuid", "offering_uuid", "project_uuid", "username", "state",
	"email", "first_name", "last_name", "affiliations",
}

// ListOfferingUsers returns all offering-user bindings for the offering,
// used by both the offering-user state machine (spec.md §4.6) and the
// membership processor's desired-set computation.
func (c *Client) ListOfferingUsers(ctx context.Context, offeringUUID string) ([]model.OfferingUser, error) {
	q := NewQuery().Offering(offeringUUID).Fields(offeringUserListFields...)
	return listAll[model.OfferingUser](ctx, c, "/api/marketplace-offering-users/", q.Values())
}

// SetOfferingUserUsername assigns the backend-generated username, the only
// mutation the agent is ever allowed to make via PATCH (spec.md §4.6).
func (c *Client) SetOfferingUserUsername(ctx context.Context, offeringUserUUID, username string) error {
	path := fmt.Sprintf("/api/marketplace-offering-users/%s/", offeringUserUUID)
	return c.patch(ctx, path, map[string]string{"username": username}, nil)
}

// TransitionOfferingUserState advances the offering-user state machine.
func (c *Client) TransitionOfferingUserState(ctx context.Context, offeringUserUUID string, state model.OfferingUserState) error {
	var action string
	switch state {
	case model.OfferingUserCreating:
		action = "begin_creating"
	case model.OfferingUserOK:
		action = "set_ok"
	case model.OfferingUserPendingAccountLinking:
		action = "set_pending_account_linking"
	case model.OfferingUserPendingAdditionalValidation:
		action = "set_pending_additional_validation"
	default:
		return fmt.Errorf("no transition action for offering user state %q", state)
	}
	path := fmt.Sprintf("/api/marketplace-offering-users/%s/%s/", offeringUserUUID, action)
	return c.post(ctx, path, nil, nil)
}
