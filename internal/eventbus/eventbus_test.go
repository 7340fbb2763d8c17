package eventbus

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/site-agent/internal/identity"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/pidfile"
	"github.com/waldur/site-agent/internal/stomp"
	"github.com/waldur/site-agent/internal/waldurclient"
)

func TestDecodeEventPayload(t *testing.T) {
	env, err := DecodeEventPayload([]byte(`{"object_uuid":"obj-1","event_type":"update"}`))
	require.NoError(t, err)
	assert.Equal(t, "obj-1", env.ObjectUUID)
	assert.Equal(t, "update", env.EventType)

	_, err = DecodeEventPayload([]byte(`not json`))
	assert.Error(t, err)
}

func TestBuildWebsocketURL_SchemeFollowsTLSSetting(t *testing.T) {
	plain := buildWebsocketURL(model.Offering{StompWSHost: "broker.example.com", StompWSPort: 61614, StompWSPath: "/ws"})
	assert.Equal(t, "ws://broker.example.com:61614/ws", plain)

	tls := buildWebsocketURL(model.Offering{StompWSHost: "broker.example.com", StompWSPort: 61614, StompWSPath: "/ws", WebsocketUseTLS: true})
	assert.Equal(t, "wss://broker.example.com:61614/ws", tls)
}

// fakeSTOMPBroker accepts CONNECT/SUBSCRIBE and records each subscribed
// destination, then idles until the client disconnects.
func fakeSTOMPBroker(t *testing.T, subscribed chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frame, err := stomp.Decode(strings.TrimSuffix(string(data), "\x00"))
			if err != nil {
				continue
			}
			switch frame.Command {
			case stomp.CommandConnect:
				connected := stomp.NewFrame(stomp.CommandConnected, map[string]string{"version": "1.2"}, "")
				_ = ws.WriteMessage(websocket.TextMessage, []byte(connected.Encode()))
			case stomp.CommandSubscribe:
				dest, _ := frame.Header("destination")
				select {
				case subscribed <- dest:
				default:
				}
			}
		}
	}))
}

func fakeMarketplaceForSupervisor(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/marketplace-agent-identities/":
			_ = json.NewEncoder(w).Encode(model.AgentIdentity{UUID: "identity-1"})
		case r.URL.Path == "/api/marketplace-agent-services/":
			_ = json.NewEncoder(w).Encode(model.AgentService{UUID: "service-1"})
		case r.URL.Path == "/api/marketplace-agent-processors/":
			var payload map[string]string
			_ = json.NewDecoder(r.Body).Decode(&payload)
			_ = json.NewEncoder(w).Encode(model.AgentProcessor{UUID: "processor-1", ObjectType: model.EventObjectType(payload["object_type"])})
		case r.URL.Path == "/api/marketplace-event-subscriptions/":
			var payload map[string]string
			_ = json.NewDecoder(r.Body).Decode(&payload)
			_ = json.NewEncoder(w).Encode(model.EventSubscription{UUID: "sub-1", ObjectType: model.EventObjectType(payload["object_type"])})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func TestSupervisor_StartSubscribesDispatchedObjectTypesAndStopForgetsPidfile(t *testing.T) {
	marketplace := fakeMarketplaceForSupervisor(t)
	defer marketplace.Close()

	subscribed := make(chan string, 1)
	broker := fakeSTOMPBroker(t, subscribed)
	defer broker.Close()

	brokerURL, err := url.Parse(broker.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(brokerURL.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := waldurclient.New(waldurclient.Config{BaseURL: marketplace.URL, Token: "t", VerifySSL: true})
	logger := logging.New("error", "json")
	idMgr := identity.New(client, logger)
	pf := pidfile.New(t.TempDir() + "/agent.pid")

	offering := model.Offering{
		UUID: "offering-1", Name: "Test Offering",
		OrderProcessingBackend: "slurm",
		StompWSHost:            host,
		StompWSPort:            port,
	}

	var handlerCalls int
	var mu sync.Mutex
	dispatch := Dispatch{
		model.ObjectTypeOrder: func(_ context.Context, _ model.Offering, _ model.EventObjectType, _ []byte) error {
			mu.Lock()
			handlerCalls++
			mu.Unlock()
			return nil
		},
	}

	sup := New(offering, idMgr, dispatch, pf, logger, Timers{})
	require.NoError(t, sup.Start(context.Background()))

	select {
	case dest := <-subscribed:
		assert.Contains(t, dest, "offering-1")
		assert.Contains(t, dest, "ORDER")
	case <-time.After(2 * time.Second):
		t.Fatal("listener never subscribed")
	}

	all, err := pf.All()
	require.NoError(t, err)
	assert.Equal(t, "sub-1", all[model.ObjectTypeOrder])

	sup.Stop()

	all, err = pf.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

// TestSupervisor_TimersFireOnBootstrapBeforeFirstInterval exercises spec.md
// §4.9 step 3: the initial sync runs once before any listener subscribes,
// and the health-check/username-reconcile timers both fire immediately on
// their first tick rather than waiting out a full interval.
func TestSupervisor_TimersFireOnBootstrapBeforeFirstInterval(t *testing.T) {
	marketplace := fakeMarketplaceForSupervisor(t)
	defer marketplace.Close()

	subscribed := make(chan string, 1)
	broker := fakeSTOMPBroker(t, subscribed)
	defer broker.Close()

	brokerURL, err := url.Parse(broker.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(brokerURL.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := waldurclient.New(waldurclient.Config{BaseURL: marketplace.URL, Token: "t", VerifySSL: true})
	logger := logging.New("error", "json")
	idMgr := identity.New(client, logger)
	pf := pidfile.New(t.TempDir() + "/agent.pid")

	offering := model.Offering{
		UUID: "offering-2", Name: "Timer Offering",
		OrderProcessingBackend: "slurm",
		StompWSHost:            host,
		StompWSPort:            port,
	}

	dispatch := Dispatch{
		model.ObjectTypeOrder: func(_ context.Context, _ model.Offering, _ model.EventObjectType, _ []byte) error { return nil },
	}

	var mu sync.Mutex
	var initialSyncCalls, healthCheckCalls, usernameReconcileCalls int
	timers := Timers{
		InitialSync: func(_ context.Context) error {
			mu.Lock()
			initialSyncCalls++
			mu.Unlock()
			return nil
		},
		HealthCheck: func(_ context.Context) error {
			mu.Lock()
			healthCheckCalls++
			mu.Unlock()
			return nil
		},
		HealthCheckInterval: time.Hour,
		UsernameReconcile: func(_ context.Context) error {
			mu.Lock()
			usernameReconcileCalls++
			mu.Unlock()
			return nil
		},
		UsernameReconcileInterval: time.Hour,
	}

	sup := New(offering, idMgr, dispatch, pf, logger, timers)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return initialSyncCalls == 1 && healthCheckCalls == 1 && usernameReconcileCalls == 1
	}, 2*time.Second, 10*time.Millisecond)
}
