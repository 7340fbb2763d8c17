// Package cliops implements the agent's one-shot auxiliary commands —
// load-components, sync-offering-users, sync-resource-limits,
// create-homedirs, and diagnostics — run outside the poll/event
// reconciliation loops. Grounded directly on
// waldur_site_agent/common/utils.py's load_offering_components,
// sync_offering_users, sync_resource_limits,
// create_homedirs_for_offering_users, and diagnostics.
package cliops

import (
	"context"

	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/config"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/processor"
	"github.com/waldur/site-agent/internal/waldurclient"
)

func clientFor(offering model.Offering, logger *logging.Logger) *waldurclient.Client {
	return waldurclient.New(waldurclient.Config{
		BaseURL:   offering.APIURL,
		Token:     offering.APIToken,
		UserAgent: "waldur-site-agent-cli/1.0",
		VerifySSL: offering.VerifySSL,
		Logger:    logger,
	})
}

// LoadComponents pushes each offering's configured backend components into
// its marketplace offering definition.
func LoadComponents(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var firstErr error
	for _, offering := range cfg.ToOfferings() {
		logger.WithOffering(offering.Name).Info("loading offering components")
		client := clientFor(offering, logger)
		if err := client.LoadOfferingComponents(ctx, offering.UUID, offering.BackendComponents); err != nil {
			logger.WithOffering(offering.Name).WithError(err).Error("failed to load offering components")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncOfferingUsers runs one REQUESTED-advancement and OK-refresh pass over
// every offering that drives username generation, independent of the
// membership_sync polling interval.
func SyncOfferingUsers(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var firstErr error
	for _, offering := range cfg.ToOfferings() {
		ube, ok := backend.GetUsernameBackend(offering.BackendType)
		if !ok {
			logger.WithOffering(offering.Name).Warn("no username backend registered, skipping")
			continue
		}
		logger.WithOffering(offering.Name).Info("syncing offering users")
		client := clientFor(offering, logger)
		proc := processor.NewOfferingUserProcessor(client, ube, offering, logger)
		if err := proc.Run(ctx); err != nil {
			logger.WithOffering(offering.Name).WithError(err).Error("failed to sync offering users")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncResourceLimits pulls each OK resource's current limits from its
// backend and pushes them to the marketplace when they've drifted.
func SyncResourceLimits(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var firstErr error
	for _, offering := range cfg.ToOfferings() {
		be, ok := backend.GetResourceBackend(offering.BackendType)
		if !ok {
			logger.WithOffering(offering.Name).Warn("no resource backend registered, skipping")
			continue
		}
		client := clientFor(offering, logger)
		resources, err := client.ListResources(ctx, offering.UUID)
		if err != nil {
			logger.WithOffering(offering.Name).WithError(err).Error("failed to list resources")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.WithOffering(offering.Name).WithField("count", len(resources)).Info("syncing resource limits")
		for _, resource := range resources {
			if resource.BackendID == "" {
				continue
			}
			limits, err := be.PullResourceLimits(ctx, resource, offering)
			if err != nil {
				logger.WithOffering(offering.Name).WithError(err).Warn("failed to pull backend limits")
				continue
			}
			if len(limits) == 0 || limitsEqual(resource.Limits, limits) {
				continue
			}
			if err := client.SetResourceLimits(ctx, resource.UUID, limits); err != nil {
				logger.WithOffering(offering.Name).WithError(err).Error("failed to push resource limits")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// CreateHomedirs creates home directories for every offering user with a
// non-empty username, each username once, on offerings whose resource
// backend supports it. Users are not filtered by any restriction flag.
func CreateHomedirs(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var firstErr error
	for _, offering := range cfg.ToOfferings() {
		be, ok := backend.GetResourceBackend(offering.BackendType)
		if !ok {
			continue
		}
		hb, ok := be.(backend.HomedirBackend)
		if !ok || !hb.SupportsHomedirs() {
			logger.WithOffering(offering.Name).Info("backend does not support homedir creation, skipping")
			continue
		}

		umask := offering.BackendSettings["homedir_umask"]
		if umask == "" {
			umask = "0700"
		}

		client := clientFor(offering, logger)
		users, err := client.ListOfferingUsers(ctx, offering.UUID)
		if err != nil {
			logger.WithOffering(offering.Name).WithError(err).Error("failed to list offering users")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		usernames := uniqueUsernames(users)
		logger.WithOffering(offering.Name).WithField("count", len(usernames)).Info("creating homedirs")
		if err := hb.CreateUserHomedirs(ctx, usernames, umask); err != nil {
			logger.WithOffering(offering.Name).WithError(err).Error("failed to create homedirs")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Diagnostics reports marketplace reachability, offering state, and backend
// health for every configured offering. Returns an error if any offering
// fails its checks, but always runs every offering before returning.
func Diagnostics(ctx context.Context, cfg *config.Config, mode model.AgentMode, logger *logging.Logger) error {
	logger.WithField("mode", mode).Info("running diagnostics")

	var firstErr error
	for _, offering := range cfg.ToOfferings() {
		entry := logger.WithOffering(offering.Name)
		client := clientFor(offering, logger)

		user, err := client.CurrentUser(ctx)
		if err != nil {
			entry.WithError(err).Error("marketplace reachability check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entry.WithField("username", user.Username).Info("marketplace reachable")

		info, err := client.GetOfferingInfo(ctx, offering.UUID)
		if err != nil {
			entry.WithError(err).Error("failed to fetch offering detail")
			if firstErr == nil {
				firstErr = err
			}
		} else {
			entry.WithField("state", info.State).WithField("customer", info.CustomerName).Info("offering detail")
		}

		be, ok := backend.GetResourceBackend(offering.BackendType)
		if !ok {
			entry.Warn("no resource backend registered for diagnostics")
			continue
		}
		db, ok := be.(backend.DiagnosticsBackend)
		if !ok {
			entry.Info("backend does not implement deep diagnostics")
			continue
		}
		if err := db.Ping(ctx); err != nil {
			entry.WithError(err).Error("backend ping failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report, err := db.Diagnostics(ctx)
		if err != nil {
			entry.WithError(err).Error("backend diagnostics failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entry.WithField("report", report).Info("backend diagnostics")
	}
	return firstErr
}

func uniqueUsernames(users []model.OfferingUser) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username == "" || seen[u.Username] {
			continue
		}
		seen[u.Username] = true
		out = append(out, u.Username)
	}
	return out
}

func limitsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
