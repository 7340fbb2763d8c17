package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fakebackend "github.com/waldur/site-agent/internal/backend/fake"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// marketplaceFake is a minimal in-memory stand-in for the marketplace HTTP
// API, just enough surface for the order processor's calls.
type marketplaceFake struct {
	mu     sync.Mutex
	orders map[string]*model.Order
}

func newMarketplaceFake() *marketplaceFake {
	return &marketplaceFake{orders: map[string]*model.Order{}}
}

func (m *marketplaceFake) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		switch {
		case r.URL.Path == "/api/marketplace-orders/" && r.Method == http.MethodGet:
			var list []model.Order
			for _, o := range m.orders {
				list = append(list, *o)
			}
			_ = json.NewEncoder(w).Encode(list)
		case strings.HasSuffix(r.URL.Path, "/approve_by_provider/"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func TestOrderProcessor_ApprovesPendingProviderOrder(t *testing.T) {
	mkt := newMarketplaceFake()
	mkt.orders["order-1"] = &model.Order{UUID: "order-1", Type: model.OrderTypeCreate, State: model.OrderStatePendingProvider}

	server := httptest.NewServer(mkt.handler())
	defer server.Close()

	client := waldurclient.New(waldurclient.Config{BaseURL: server.URL, Token: "t", VerifySSL: true})
	offering := model.Offering{UUID: "offering-1", Name: "Test Offering"}
	logger := logging.New("error", "json")

	be := fakebackend.New()
	proc := NewOrderProcessor(client, be, offering, logger)

	require.NoError(t, proc.Run(context.Background()))
}

func TestOrderProcessor_CreateIsIdempotentOnBackendID(t *testing.T) {
	be := fakebackend.New()
	order := model.Order{
		UUID:         "order-1",
		Type:         model.OrderTypeCreate,
		ResourceUUID: "resource-1",
		BackendID:    "fake-resource-1", // already created in a prior cycle
	}

	backendID, err := be.CreateResource(context.Background(), order, model.Offering{})
	// first call actually provisions
	require.NoError(t, err)
	assert.Equal(t, "fake-resource-1", backendID)

	// a second CreateResource call for the same order must not create a
	// second account; executeCreate itself guards this via order.BackendID,
	// this assertion documents the backend-level contract it depends on.
	backendID2, err := be.CreateResource(context.Background(), order, model.Offering{})
	require.NoError(t, err)
	assert.Equal(t, backendID, backendID2)
}

func TestOrderProcessor_AsyncCreateStaysExecutingAcrossTwoCycles(t *testing.T) {
	mkt := newMarketplaceFake()
	mkt.orders["order-1"] = &model.Order{
		UUID: "order-1", Type: model.OrderTypeCreate, State: model.OrderStateExecuting,
		ResourceUUID: "resource-1", Limits: map[string]int{"cpu": 10},
	}
	var doneCalls, errCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mkt.mu.Lock()
		defer mkt.mu.Unlock()
		switch {
		case r.URL.Path == "/api/marketplace-orders/" && r.Method == http.MethodGet:
			var list []model.Order
			for _, o := range mkt.orders {
				list = append(list, *o)
			}
			_ = json.NewEncoder(w).Encode(list)
		case strings.HasSuffix(r.URL.Path, "/set_backend_id/"):
			var body struct {
				BackendID string `json:"backend_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mkt.orders["order-1"].BackendID = body.BackendID
		case strings.HasSuffix(r.URL.Path, "/set_state_done/"):
			doneCalls++
		case strings.HasSuffix(r.URL.Path, "/set_state_erred/"):
			errCalls++
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := waldurclient.New(waldurclient.Config{BaseURL: server.URL, Token: "t", VerifySSL: true})
	offering := model.Offering{UUID: "offering-1", Name: "Test Offering"}
	logger := logging.New("error", "json")

	be := fakebackend.New()
	be.AsyncMode = true
	proc := NewOrderProcessor(client, be, offering, logger)

	// Cycle 1: submits the downstream order, stays EXECUTING.
	require.NoError(t, proc.Run(context.Background()))
	assert.Equal(t, "target-order-resource-1", mkt.orders["order-1"].BackendID)
	assert.Equal(t, model.OrderStateExecuting, mkt.orders["order-1"].State)
	assert.Equal(t, 0, doneCalls)

	// Cycle 2, still pending: no transition.
	require.NoError(t, proc.Run(context.Background()))
	assert.Equal(t, 0, doneCalls)

	// Downstream order completes; cycle 3 resolves it.
	be.ResolvePendingOrder("target-order-resource-1")
	require.NoError(t, proc.Run(context.Background()))
	assert.Equal(t, 1, doneCalls)
	assert.Equal(t, 0, errCalls)
}

func TestOrderProcessor_RejectedAsyncOrderMarksErred(t *testing.T) {
	mkt := newMarketplaceFake()
	mkt.orders["order-1"] = &model.Order{
		UUID: "order-1", Type: model.OrderTypeCreate, State: model.OrderStateExecuting,
		ResourceUUID: "resource-1", BackendID: "target-order-resource-1",
	}
	var errMessage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mkt.mu.Lock()
		defer mkt.mu.Unlock()
		switch {
		case r.URL.Path == "/api/marketplace-orders/" && r.Method == http.MethodGet:
			var list []model.Order
			for _, o := range mkt.orders {
				list = append(list, *o)
			}
			_ = json.NewEncoder(w).Encode(list)
		case strings.HasSuffix(r.URL.Path, "/set_state_erred/"):
			var body struct {
				ErrorMessage string `json:"error_message"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			errMessage = body.ErrorMessage
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := waldurclient.New(waldurclient.Config{BaseURL: server.URL, Token: "t", VerifySSL: true})
	offering := model.Offering{UUID: "offering-1", Name: "Test Offering"}
	logger := logging.New("error", "json")

	be := fakebackend.New()
	be.AsyncMode = true
	// Seed the pending order directly: it was submitted in a prior cycle
	// this test does not replay.
	_, err := be.CreateResource(context.Background(), model.Order{ResourceUUID: "resource-1"}, offering)
	require.NoError(t, err)
	be.RejectPendingOrder("target-order-resource-1")

	proc := NewOrderProcessor(client, be, offering, logger)
	require.NoError(t, proc.Run(context.Background()))

	assert.Contains(t, errMessage, "rejected")
}
