package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/waldur/site-agent/internal/backend/fake" // registers the "fake" backend type
	"github.com/waldur/site-agent/internal/config"
	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/model"
)

func baseConfig(backendType, orderBackend, membershipBackend, reportingBackend string) *config.Config {
	return &config.Config{
		OrderPollInterval:      time.Minute,
		MembershipPollInterval: time.Minute,
		ReportPollInterval:     time.Minute,
		ReportingPeriods:       2,
		Offerings: []config.OfferingConfig{{
			Name:               "Test Offering",
			WaldurAPIURL:       "https://waldur.example.com",
			WaldurAPIToken:     "t",
			WaldurOfferingUUID: "offering-1",
			BackendType:        backendType,
			OrderProcessingBackend:   orderBackend,
			MembershipSyncBackend:    membershipBackend,
			ReportingBackend:         reportingBackend,
			UsernameGenerationPolicy: "",
		}},
	}
}

func TestBuild_OrderProcessSkipsOfferingWithoutOrderProcessingBackend(t *testing.T) {
	cfg := baseConfig("fake", "", "", "")
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeOrderProcess, logger)
	require.NoError(t, err)
	assert.Empty(t, r.Offerings())
}

func TestBuild_OrderProcessIncludesOfferingWithRegisteredBackend(t *testing.T) {
	cfg := baseConfig("fake", "fake", "", "")
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeOrderProcess, logger)
	require.NoError(t, err)
	require.Len(t, r.Offerings(), 1)
	assert.Equal(t, "offering-1", r.Offerings()[0].UUID)
}

func TestBuild_OrderProcessErrorsOnUnregisteredBackendType(t *testing.T) {
	cfg := baseConfig("unknown-backend", "unknown-backend", "", "")
	logger := logging.New("error", "json")

	_, err := Build(cfg, model.ModeOrderProcess, logger)
	assert.Error(t, err)
}

func TestBuild_MembershipSyncAddsOfferingUserWorkerOnlyWhenPolicyIsServiceProvider(t *testing.T) {
	cfg := baseConfig("fake", "", "fake", "")
	cfg.Offerings[0].UsernameGenerationPolicy = "service_provider"
	cfg.UsernameReconcileInterval = time.Minute
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeMembershipSync, logger)
	require.NoError(t, err)
	require.Len(t, r.offerings, 1)
	assert.NotNil(t, r.offerings[0].scheduler)
}

func TestBuild_ReportSkipsOfferingWithoutReportingBackend(t *testing.T) {
	cfg := baseConfig("fake", "", "", "")
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeReport, logger)
	require.NoError(t, err)
	assert.Empty(t, r.Offerings())
}

func TestBuild_ReportWithCronScheduleParsesSchedule(t *testing.T) {
	cfg := baseConfig("fake", "", "", "fake")
	cfg.ReportSchedule = "0 2 * * *"
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeReport, logger)
	require.NoError(t, err)
	require.Len(t, r.offerings, 1)
	assert.NotNil(t, r.offerings[0].scheduler)
}

func TestBuild_ReportWithInvalidCronScheduleErrors(t *testing.T) {
	cfg := baseConfig("fake", "", "", "fake")
	cfg.ReportSchedule = "not a cron expression"
	logger := logging.New("error", "json")

	_, err := Build(cfg, model.ModeReport, logger)
	assert.Error(t, err)
}

func TestBuild_EventProcessSkipsOfferingWithNoDispatchableObjectTypes(t *testing.T) {
	cfg := baseConfig("fake", "", "", "")
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeEventProcess, logger)
	require.NoError(t, err)
	assert.Empty(t, r.Offerings())
}

func TestBuild_EventProcessBuildsSupervisorForDispatchableOffering(t *testing.T) {
	cfg := baseConfig("fake", "fake", "", "")
	logger := logging.New("error", "json")

	r, err := Build(cfg, model.ModeEventProcess, logger)
	require.NoError(t, err)
	require.Len(t, r.offerings, 1)
	assert.NotNil(t, r.offerings[0].supervisor)
}
