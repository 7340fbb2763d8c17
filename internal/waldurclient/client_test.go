package waldurclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/site-agent/internal/agenterrors"
	"github.com/waldur/site-agent/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{BaseURL: server.URL, Token: "test-token", VerifySSL: true}), server
}

func TestGetOrder_Success(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"uuid":"order-1","type":"CREATE","state":"PENDING_PROVIDER"}`)
	})

	order, err := client.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderTypeCreate, order.Type)
	assert.Equal(t, model.OrderStatePendingProvider, order.State)
}

func TestRequest_ClassifiesRateLimited(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GetOrder(context.Background(), "order-1")
	require.Error(t, err)
	var agentErr *agenterrors.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterrors.ClassRateLimited, agentErr.Classification)
	assert.Equal(t, 30, agentErr.RetryAfter)
}

func TestRequest_ClassifiesPermanentOn404(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	var agentErr *agenterrors.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterrors.ClassPermanent, agentErr.Classification)
}

func TestRequest_ConflictIsTreatedAsNoOp(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	err := client.ApproveOrder(context.Background(), "order-1")
	assert.NoError(t, err)
}

func TestListOrdersForProcessing_FollowsPagination(t *testing.T) {
	var calls int
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/marketplace-orders/?page=2>; rel="next"`, serverURL(r)))
			fmt.Fprint(w, `[{"uuid":"order-1"}]`)
			return
		}
		fmt.Fprint(w, `[{"uuid":"order-2"}]`)
	})
	_ = server

	orders, err := client.ListOrdersForProcessing(context.Background(), "offering-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "order-1", orders[0].UUID)
	assert.Equal(t, "order-2", orders[1].UUID)
	assert.Equal(t, 2, calls)
}

func serverURL(r *http.Request) string {
	scheme := "http"
	return scheme + "://" + r.Host
}

func TestRequest_CircuitBreakerOpensAfterRepeatedConnectFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := New(Config{BaseURL: server.URL, Token: "test-token", VerifySSL: true})
	server.Close() // the port is now refusing connections

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = client.GetOrder(context.Background(), "order-1")
		require.Error(t, lastErr)
	}

	_, err := client.GetOrder(context.Background(), "order-1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "circuit breaker open")

	var agentErr *agenterrors.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterrors.ClassTransient, agentErr.Classification)
}
