package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/waldur/site-agent/internal/backend"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/metrics"
	"github.com/waldur/site-agent/internal/model"
	"github.com/waldur/site-agent/internal/waldurclient"
)

// ReportProcessor submits backend-observed usage for a configurable number
// of trailing periods, oldest first, current period last (spec.md §4.5).
type ReportProcessor struct {
	client           *waldurclient.Client
	backend          backend.UsageBackend
	offering         model.Offering
	logger           *logging.Logger
	reportingPeriods int
	now              func() time.Time
}

// NewReportProcessor constructs a ReportProcessor for one offering's cycle.
func NewReportProcessor(client *waldurclient.Client, be backend.UsageBackend, offering model.Offering, logger *logging.Logger, reportingPeriods int) *ReportProcessor {
	if reportingPeriods <= 0 {
		reportingPeriods = 2
	}
	return &ReportProcessor{
		client:           client,
		backend:          be,
		offering:         offering,
		logger:           logger,
		reportingPeriods: reportingPeriods,
		now:              time.Now,
	}
}

// Run submits usage for every OK resource across the configured trailing periods.
func (p *ReportProcessor) Run(ctx context.Context) error {
	resources, err := p.client.ListResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	periods := p.periods()
	for _, resource := range resources {
		for _, period := range periods {
			if err := p.reportOne(ctx, resource, period); err != nil {
				p.logger.WithOffering(p.offering.Name).WithField("resource_uuid", resource.UUID).
					WithField("period", fmt.Sprintf("%04d-%02d", period.Year, period.Month)).
					WithError(err).Warn("usage report failed")
			}
		}
	}
	return nil
}

// periods returns the reportingPeriods trailing (year, month) pairs,
// oldest first, with the current month last (spec.md §4.5 submission order:
// past periods are corrections, the current period is the live estimate).
func (p *ReportProcessor) periods() []model.UsagePeriod {
	now := p.now().UTC()
	periods := make([]model.UsagePeriod, p.reportingPeriods)
	for i := 0; i < p.reportingPeriods; i++ {
		offset := p.reportingPeriods - 1 - i
		t := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -offset, 0)
		periods[i] = model.UsagePeriod{
			Year:      t.Year(),
			Month:     int(t.Month()),
			IsCurrent: offset == 0,
		}
	}
	return periods
}

func (p *ReportProcessor) reportOne(ctx context.Context, resource model.Resource, period model.UsagePeriod) error {
	report, err := p.backend.ReportUsage(ctx, resource, period, p.offering)
	if err != nil {
		return fmt.Errorf("read backend usage: %w", err)
	}

	existing, err := p.client.ListComponentUsages(ctx, resource.UUID, period)
	if err != nil {
		return fmt.Errorf("list existing usage: %w", err)
	}
	existingByComponent := make(map[string]int, len(existing))
	for _, e := range existing {
		existingByComponent[e.ComponentType] = e.Amount
	}

	for _, usage := range report.Total {
		// Anomaly guard (spec.md §4.5): only the current period's repeated
		// submissions are guarded against decreasing; past periods are
		// idempotent overwrites regardless of direction. A backend that
		// advertises SupportsDecreasingUsage is exempt entirely. The guard
		// skips only the offending component, not the rest of this report.
		if period.IsCurrent && !p.backend.SupportsDecreasingUsage() {
			if prior, ok := existingByComponent[usage.ComponentType]; ok && usage.Amount < prior {
				p.logger.WithOffering(p.offering.Name).WithField("resource_uuid", resource.UUID).
					WithField("component_type", usage.ComponentType).WithField("prior", prior).WithField("new", usage.Amount).
					Warn("usage decreased in current period, skipping submission")
				continue
			}
		}
		if err := p.client.SubmitResourceUsage(ctx, resource.UUID, period, usage); err != nil {
			return fmt.Errorf("submit usage for %s: %w", usage.ComponentType, err)
		}
		metrics.UsageSubmissions.WithLabelValues(p.offering.Name, usage.ComponentType).Inc()
	}

	for _, userUsage := range report.PerUser {
		if err := p.client.SubmitUserUsage(ctx, userUsage.UsageUUID, userUsage.UserUUID, userUsage.Amount); err != nil {
			return fmt.Errorf("submit user usage for %s: %w", userUsage.UserUUID, err)
		}
	}

	return nil
}
