// Package eventbus wires the STOMP listener fabric to the reconciliation
// processors: one listener per (offering, object type), each routing
// inbound MESSAGE frames to the processor responsible for that object type
// with a fresh per-cycle cache (spec.md §4.7).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/waldur/site-agent/internal/identity"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/metrics"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/pidfile"
	"github.com/waldur/site-agent/internal/scheduler"
	"github.com/waldur/site-agent/internal/stomp"
)

// ObjectHandler reacts to one decoded event payload for a given offering.
type ObjectHandler func(ctx context.Context, offering model.Offering, objectType model.EventObjectType, payload []byte) error

// Dispatch routes an EventObjectType to the ObjectHandler that owns it.
// Built once at startup from the processors registered for this run.
type Dispatch map[model.EventObjectType]ObjectHandler

// Timers configures the cross-offering reconciliation safety nets that run
// alongside the STOMP listeners in event mode (spec.md §4.9 step 3): a
// health check and, for offerings with username reconciliation enabled, a
// username-reconciliation sweep. Both catch state drift STOMP events missed
// during broker downtime. InitialSync runs once, synchronously, before any
// listener subscribes (spec.md §4.9 step 1).
type Timers struct {
	InitialSync               func(ctx context.Context) error
	HealthCheck               func(ctx context.Context) error
	HealthCheckInterval       time.Duration
	UsernameReconcile         func(ctx context.Context) error // nil if not applicable to this offering
	UsernameReconcileInterval time.Duration
}

// Supervisor owns every active listener for one offering's event-processing
// mode, the PID-file bookkeeping for crash recovery, and the reconciliation
// safety-net timers that run alongside the listeners.
type Supervisor struct {
	offering model.Offering
	identity *identity.Manager
	dispatch Dispatch
	pidFile  *pidfile.File
	logger   *logging.Logger
	timers   Timers

	mu        sync.Mutex
	cancelFns map[model.EventObjectType]context.CancelFunc
	wg        sync.WaitGroup
	sched     *scheduler.Scheduler
}

// New constructs a Supervisor for one offering.
func New(offering model.Offering, identityMgr *identity.Manager, dispatch Dispatch, pidFile *pidfile.File, logger *logging.Logger, timers Timers) *Supervisor {
	return &Supervisor{
		offering:  offering,
		identity:  identityMgr,
		dispatch:  dispatch,
		pidFile:   pidFile,
		logger:    logger,
		timers:    timers,
		cancelFns: make(map[model.EventObjectType]context.CancelFunc),
	}
}

// Start runs the initial catch-up pass, registers the offering's agent
// identity graph, launches one listener goroutine per subscribed object
// type, and starts the health-check/username-reconciliation safety-net
// timers (spec.md §4.9 step 1-3).
func (s *Supervisor) Start(ctx context.Context) error {
	if s.timers.InitialSync != nil {
		if err := s.timers.InitialSync(ctx); err != nil {
			s.logger.WithOffering(s.offering.Name).WithError(err).Warn("initial offering processing pass failed")
		}
	}

	reg, err := s.identity.RegisterForMode(ctx, s.offering, model.ModeEventProcess)
	if err != nil {
		return fmt.Errorf("register event-process identity for %s: %w", s.offering.Name, err)
	}

	dialURL := buildWebsocketURL(s.offering)

	for objectType, sub := range reg.Subscriptions {
		handler, ok := s.dispatch[objectType]
		if !ok {
			s.logger.WithOffering(s.offering.Name).WithField("object_type", objectType).
				Warn("no handler registered for subscribed object type, skipping")
			continue
		}

		destination := model.SubscriptionDestination(sub.UUID, s.offering.UUID, objectType)
		listenerCtx, cancel := context.WithCancel(ctx)

		s.mu.Lock()
		s.cancelFns[objectType] = cancel
		s.mu.Unlock()

		if err := s.pidFile.Record(objectType, sub.UUID); err != nil {
			s.logger.WithError(err).Warn("failed to record subscription in pid file")
		}

		msgHandler := s.wrapHandler(objectType, handler)
		listener := stomp.NewListener(
			stomp.Config{
				URL:         dialURL,
				Login:       s.offering.APIToken,
				Host:        s.offering.StompWSHost,
				HeartbeatMs: stomp.HeartbeatMs,
			},
			stomp.DefaultReconnectConfig(),
			sub.UUID,
			destination,
			msgHandler,
			s.logger,
		)
		reconnects := metrics.StompReconnects.WithLabelValues(s.offering.Name, string(objectType))
		listener.OnReconnect = func(int) { reconnects.Inc() }

		s.wg.Add(1)
		go func(objectType model.EventObjectType, listener *stomp.Listener) {
			defer s.wg.Done()
			if err := listener.Run(listenerCtx); err != nil && listenerCtx.Err() == nil {
				s.logger.WithOffering(s.offering.Name).WithField("object_type", objectType).
					WithError(err).Error("stomp listener exited")
			}
		}(objectType, listener)
	}

	var workers []scheduler.Worker
	if s.timers.HealthCheck != nil {
		workers = append(workers, scheduler.Worker{
			Name:           "health_check:" + s.offering.Name,
			Interval:       s.timers.HealthCheckInterval,
			RunImmediately: true,
			Fn:             s.timers.HealthCheck,
		})
	}
	if s.timers.UsernameReconcile != nil {
		workers = append(workers, scheduler.Worker{
			Name:           "username_reconcile:" + s.offering.Name,
			Interval:       s.timers.UsernameReconcileInterval,
			RunImmediately: true,
			Fn:             s.timers.UsernameReconcile,
		})
	}
	if len(workers) > 0 {
		s.sched = scheduler.New(s.logger, workers...)
		s.sched.Start(ctx)
	}

	return nil
}

func (s *Supervisor) wrapHandler(objectType model.EventObjectType, handler ObjectHandler) stomp.MessageHandler {
	return func(frame stomp.Frame) {
		if err := handler(context.Background(), s.offering, objectType, []byte(frame.Body)); err != nil {
			s.logger.WithOffering(s.offering.Name).WithField("object_type", objectType).
				WithError(err).Error("event handler failed")
		}
	}
}

// Stop cancels every listener and waits for them to exit, without deleting
// the underlying marketplace subscriptions — a restart should resume the
// same broker queues rather than churn them (spec.md §4.7).
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for objectType, cancel := range s.cancelFns {
		cancel()
		_ = s.pidFile.Forget(objectType)
	}
	s.mu.Unlock()
	if s.sched != nil {
		s.sched.Stop()
	}
	s.wg.Wait()
}

func buildWebsocketURL(offering model.Offering) string {
	scheme := "ws"
	if offering.WebsocketUseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", offering.StompWSHost, offering.StompWSPort),
		Path:   offering.StompWSPath,
	}
	return u.String()
}

// DecodeEventPayload unmarshals a MESSAGE frame body into a generic event
// envelope carrying the affected object's UUID, used by every processor's
// event-path handler to resolve the object to act on.
type EventEnvelope struct {
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
}

func DecodeEventPayload(payload []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("eventbus: decode event payload: %w", err)
	}
	return env, nil
}
