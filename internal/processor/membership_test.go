package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fakebackend "github.com/waldur/site-agent/internal/backend/fake"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/waldurclient"
)

func TestMembershipProcessor_AddsDesiredUsernames(t *testing.T) {
	resources := []model.Resource{{UUID: "resource-1", ProjectUUID: "project-1", OfferingUUID: "offering-1", State: model.ResourceStateOK}}
	offeringUsers := []model.OfferingUser{
		{UUID: "ou-1", UserUUID: "user-1", OfferingUUID: "offering-1", ProjectUUID: "project-1", Username: "alice", State: model.OfferingUserOK},
		{UUID: "ou-2", UserUUID: "user-2", OfferingUUID: "offering-1", ProjectUUID: "project-1", Username: "bob", State: model.OfferingUserRequested},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/marketplace-provider-resources/":
			_ = json.NewEncoder(w).Encode(resources)
		case "/api/marketplace-offering-users/":
			_ = json.NewEncoder(w).Encode(offeringUsers)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := waldurclient.New(waldurclient.Config{BaseURL: server.URL, Token: "t", VerifySSL: true})
	offering := model.Offering{UUID: "offering-1", Name: "Test Offering"}
	logger := logging.New("error", "json")
	be := fakebackend.New()
	cache := NewCache()

	proc := NewMembershipProcessor(client, be, offering, logger, cache)
	require.NoError(t, proc.Run(context.Background()))

	acct, ok := be.Account("resource-1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice"}, acct.Members)
}
