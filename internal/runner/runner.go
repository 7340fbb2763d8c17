// Package runner wires one offering's configuration into a running
// reconciliation loop: client, backend lookup, identity manager, and
// either a polling Scheduler or an event-processing Supervisor depending
// on the agent mode. Modeled on infrastructure/service/base.go's
// BaseService composition (client + workers + lifecycle), generalized
// away from that file's HTTP-server-centric assumptions since this agent
// has no inbound API surface of its own besides diagnostics.
package runner

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/config"
	"github.com/waldur/site-agent/internal/eventbus"
	"github.com/waldur/site-agent/internal/identity"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/pidfile"
	"github.com/waldur/site-agent/internal/processor"
	"github.com/waldur/site-agent/internal/scheduler"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// OfferingRunner owns every long-lived component for one offering.
type OfferingRunner struct {
	Offering model.Offering
	Client   *waldurclient.Client

	scheduler  *scheduler.Scheduler
	supervisor *eventbus.Supervisor
}

// Runner owns one OfferingRunner per configured offering and runs them
// concurrently under a single mode for the process lifetime.
type Runner struct {
	mode      model.AgentMode
	logger    *logging.Logger
	offerings []*OfferingRunner
}

// Build constructs a Runner for every offering in cfg that participates in
// mode, skipping offerings whose config has no backend wired for it.
func Build(cfg *config.Config, mode model.AgentMode, logger *logging.Logger) (*Runner, error) {
	r := &Runner{mode: mode, logger: logger}

	for _, offering := range cfg.ToOfferings() {
		client := waldurclient.New(waldurclient.Config{
			BaseURL:   offering.APIURL,
			Token:     offering.APIToken,
			UserAgent: "waldur-site-agent/1.0",
			VerifySSL: offering.VerifySSL,
			Logger:    logger,
		})

		or := &OfferingRunner{Offering: offering, Client: client}

		switch mode {
		case model.ModeOrderProcess:
			if !offering.HasOrderProcessing() {
				continue
			}
			be, ok := backend.GetResourceBackend(offering.BackendType)
			if !ok {
				return nil, fmt.Errorf("offering %s: no resource backend registered for %q", offering.Name, offering.BackendType)
			}
			proc := processor.NewOrderProcessor(client, be, offering, logger)
			or.scheduler = scheduler.New(logger, scheduler.Worker{
				Name:           "order_process:" + offering.Name,
				Interval:       cfg.OrderPollInterval,
				RunImmediately: true,
				Fn:             proc.Run,
			})

		case model.ModeMembershipSync:
			if !offering.HasMembershipSync() {
				continue
			}
			be, ok := backend.GetMembershipBackend(offering.BackendType)
			if !ok {
				return nil, fmt.Errorf("offering %s: no membership backend registered for %q", offering.Name, offering.BackendType)
			}
			cache := processor.NewCache()
			proc := processor.NewMembershipProcessor(client, be, offering, logger, cache)
			workers := []scheduler.Worker{{
				Name:           "membership_sync:" + offering.Name,
				Interval:       cfg.MembershipPollInterval,
				RunImmediately: true,
				Fn:             proc.Run,
			}}
			if offering.UsernameGenerationPolicyServiceProvider {
				if ube, ok := backend.GetUsernameBackend(offering.BackendType); ok {
					uproc := processor.NewOfferingUserProcessor(client, ube, offering, logger)
					workers = append(workers, scheduler.Worker{
						Name:           "offering_users:" + offering.Name,
						Interval:       cfg.UsernameReconcileInterval,
						RunImmediately: true,
						Fn:             uproc.Run,
					})
				}
			}
			or.scheduler = scheduler.New(logger, workers...)

		case model.ModeReport:
			if !offering.HasReporting() {
				continue
			}
			be, ok := backend.GetUsageBackend(offering.BackendType)
			if !ok {
				return nil, fmt.Errorf("offering %s: no usage backend registered for %q", offering.Name, offering.BackendType)
			}
			proc := processor.NewReportProcessor(client, be, offering, logger, cfg.ReportingPeriods)
			worker := scheduler.Worker{
				Name:           "report:" + offering.Name,
				Interval:       cfg.ReportPollInterval,
				RunImmediately: true,
				Fn:             proc.Run,
			}
			if cfg.ReportSchedule != "" {
				schedule, err := cron.ParseStandard(cfg.ReportSchedule)
				if err != nil {
					return nil, fmt.Errorf("offering %s: invalid report_schedule %q: %w", offering.Name, cfg.ReportSchedule, err)
				}
				worker.Schedule = schedule
				worker.RunImmediately = false
			}
			or.scheduler = scheduler.New(logger, worker)

		case model.ModeEventProcess:
			dispatch, timers, err := buildDispatch(client, offering, logger, cfg)
			if err != nil {
				return nil, err
			}
			if len(dispatch) == 0 {
				continue
			}
			idMgr := identity.New(client, logger)
			pf := pidfile.New(pidfile.DefaultPath)
			or.supervisor = eventbus.New(offering, idMgr, dispatch, pf, logger, timers)

		default:
			return nil, fmt.Errorf("unknown mode %q", mode)
		}

		r.offerings = append(r.offerings, or)
	}

	return r, nil
}

// buildDispatch maps every object type an offering subscribes to onto the
// processor responsible for it, decoding each MESSAGE frame's object UUID
// before handing it to the processor's single-object ProcessEvent path. It
// also assembles the Component I safety-net timers (spec.md §4.9 step 3)
// that run alongside those listeners: an initial full polling-style pass
// per registered processor, a marketplace health-check ping, and — for
// offerings with username reconciliation enabled — a username-reconcile
// sweep reusing the same processor and interval as membership_sync mode.
func buildDispatch(client *waldurclient.Client, offering model.Offering, logger *logging.Logger, cfg *config.Config) (eventbus.Dispatch, eventbus.Timers, error) {
	dispatch := eventbus.Dispatch{}
	var initialSyncs []func(ctx context.Context) error

	timers := eventbus.Timers{
		HealthCheck: func(ctx context.Context) error {
			_, err := client.CurrentUser(ctx)
			return err
		},
		HealthCheckInterval:       cfg.HealthCheckInterval,
		UsernameReconcileInterval: cfg.UsernameReconcileInterval,
	}

	if offering.HasOrderProcessing() {
		be, ok := backend.GetResourceBackend(offering.BackendType)
		if !ok {
			return nil, eventbus.Timers{}, fmt.Errorf("offering %s: no resource backend registered for %q", offering.Name, offering.BackendType)
		}
		proc := processor.NewOrderProcessor(client, be, offering, logger)
		dispatch[model.ObjectTypeOrder] = func(ctx context.Context, _ model.Offering, _ model.EventObjectType, payload []byte) error {
			env, err := eventbus.DecodeEventPayload(payload)
			if err != nil {
				return err
			}
			return proc.ProcessEvent(ctx, env.ObjectUUID)
		}
		initialSyncs = append(initialSyncs, proc.Run)
	}

	if offering.HasMembershipSync() {
		be, ok := backend.GetMembershipBackend(offering.BackendType)
		if !ok {
			return nil, eventbus.Timers{}, fmt.Errorf("offering %s: no membership backend registered for %q", offering.Name, offering.BackendType)
		}
		cache := processor.NewCache()
		proc := processor.NewMembershipProcessor(client, be, offering, logger, cache)
		handler := func(ctx context.Context, _ model.Offering, _ model.EventObjectType, payload []byte) error {
			env, err := eventbus.DecodeEventPayload(payload)
			if err != nil {
				return err
			}
			return proc.ProcessEvent(ctx, env.ObjectUUID)
		}
		dispatch[model.ObjectTypeResource] = handler
		dispatch[model.ObjectTypeUserRole] = handler

		// SERVICE_ACCOUNT/COURSE_ACCOUNT events carry an account UUID, not a
		// resource UUID (spec.md §4.7); route them through the project
		// fan-out path instead of the resource-keyed handler above.
		accountHandler := func(ctx context.Context, _ model.Offering, _ model.EventObjectType, payload []byte) error {
			env, err := eventbus.DecodeEventPayload(payload)
			if err != nil {
				return err
			}
			return proc.ProcessAccountEvent(ctx, env.ObjectUUID)
		}
		dispatch[model.ObjectTypeServiceAccount] = accountHandler
		dispatch[model.ObjectTypeCourseAccount] = accountHandler
		initialSyncs = append(initialSyncs, proc.Run)

		if offering.UsernameGenerationPolicyServiceProvider {
			if ube, ok := backend.GetUsernameBackend(offering.BackendType); ok {
				uproc := processor.NewOfferingUserProcessor(client, ube, offering, logger)
				dispatch[model.ObjectTypeOfferingUser] = func(ctx context.Context, _ model.Offering, _ model.EventObjectType, payload []byte) error {
					env, err := eventbus.DecodeEventPayload(payload)
					if err != nil {
						return err
					}
					return uproc.ProcessEvent(ctx, env.ObjectUUID)
				}
				initialSyncs = append(initialSyncs, uproc.Run)
				if offering.UsernameReconciliationEnabled {
					timers.UsernameReconcile = uproc.Run
				}
			}
		}
	}

	timers.InitialSync = func(ctx context.Context) error {
		for _, sync := range initialSyncs {
			if err := sync(ctx); err != nil {
				logger.WithOffering(offering.Name).WithError(err).Warn("initial offering processing pass failed for one processor")
			}
		}
		return nil
	}

	return dispatch, timers, nil
}

// Start launches every offering's scheduler or event supervisor.
func (r *Runner) Start(ctx context.Context) error {
	for _, or := range r.offerings {
		switch {
		case or.scheduler != nil:
			or.scheduler.Start(ctx)
		case or.supervisor != nil:
			if err := or.supervisor.Start(ctx); err != nil {
				return fmt.Errorf("offering %s: %w", or.Offering.Name, err)
			}
		}
	}
	return nil
}

// Stop tears down every offering's scheduler or event supervisor.
func (r *Runner) Stop() {
	for _, or := range r.offerings {
		switch {
		case or.scheduler != nil:
			or.scheduler.Stop()
		case or.supervisor != nil:
			or.supervisor.Stop()
		}
	}
}

// Offerings returns the offerings this runner is actively driving, for the
// diagnostics surface.
func (r *Runner) Offerings() []model.Offering {
	out := make([]model.Offering, 0, len(r.offerings))
	for _, or := range r.offerings {
		out = append(out, or.Offering)
	}
	return out
}

// MarketplaceHealth reports, per offering name, whether that offering's
// marketplace client circuit breaker is presently reachable, for the
// diagnostics surface (spec.md §4.9 health-check timer's sibling view).
func (r *Runner) MarketplaceHealth() map[string]bool {
	out := make(map[string]bool, len(r.offerings))
	for _, or := range r.offerings {
		if or.Client != nil {
			out[or.Offering.Name] = or.Client.Reachable()
		}
	}
	return out
}
