package waldurclient

import (
	"context"
)

// CurrentUserInfo is the subset of /api/users/me/ the diagnostics command
// reports, grounded on common/utils.py's print_current_user.
type CurrentUserInfo struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	IsStaff  bool   `json:"is_staff"`
}

// CurrentUser resolves the identity behind this client's API token, used as
// the marketplace reachability probe for the diagnostics command.
func (c *Client) CurrentUser(ctx context.Context) (*CurrentUserInfo, error) {
	var info CurrentUserInfo
	if err := c.get(ctx, "/api/users/me/", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// OfferingInfo is the subset of a marketplace offering's detail view the
// diagnostics command reports.
type OfferingInfo struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	CustomerName string `json:"customer_name"`
	State        string `json:"state"`
}

// GetOfferingInfo retrieves an offering's marketplace-side detail record.
func (c *Client) GetOfferingInfo(ctx context.Context, offeringUUID string) (*OfferingInfo, error) {
	var info OfferingInfo
	path := "/api/marketplace-provider-offerings/" + offeringUUID + "/"
	if err := c.get(ctx, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
