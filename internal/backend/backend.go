// Package backend defines the site backend plugin contract and the
// compile-time registry backends attach to. Python's distribution plugged
// backends in via setuptools entry points discovered at runtime; here a
// backend package registers itself from an init() function, and the agent
// binary imports every backend package it wants to ship for side effects.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/waldur/site-agent/internal/model"
)

// ResourceBackend provisions, updates, and reports usage for resources on
// one site system (a scheduler, object store, or other manageable system).
type ResourceBackend interface {
	// BackendType returns the backend_type tag offerings select this
	// implementation with (spec.md §6 config schema).
	BackendType() string

	// CreateResource provisions a backend account for a CREATE order and
	// returns the backend-native identifier to persist as the resource's
	// backend_id (spec.md §4.3).
	CreateResource(ctx context.Context, order model.Order, offering model.Offering) (backendID string, err error)

	// UpdateResource applies an UPDATE order's new limits to the backend account.
	UpdateResource(ctx context.Context, resource model.Resource, order model.Order, offering model.Offering) error

	// TerminateResource tears down the backend account for a TERMINATE order.
	TerminateResource(ctx context.Context, resource model.Resource, offering model.Offering) error

	// PullResourceLimits reads the backend's current view of a resource's
	// limits, for drift detection outside of order processing.
	PullResourceLimits(ctx context.Context, resource model.Resource, offering model.Offering) (map[string]int, error)
}

// AsyncOrderBackend is an optional ResourceBackend capability for backends
// whose CREATE provisioning does not complete synchronously — most notably
// a federated backend that submits a CREATE order on a downstream
// marketplace and must poll it to completion (spec.md §4.3). CreateResource
// still returns a single string for these backends, but it carries the
// downstream order id rather than a final backend-native identifier until
// CheckPendingOrder reports completion.
type AsyncOrderBackend interface {
	// SupportsAsyncOrders reports whether CreateResource may return before
	// provisioning has actually finished, leaving CheckPendingOrder to
	// resolve completion on a later cycle.
	SupportsAsyncOrders() bool

	// CheckPendingOrder polls a previously-submitted async CREATE,
	// identified by the id CreateResource returned. done is true once the
	// downstream order has completed, at which point backendID is the
	// resource's final backend-native identifier (falling back to pendingID
	// if left empty). A non-nil err (typically *agenterrors.BackendOperationError)
	// signals the downstream order failed outright.
	CheckPendingOrder(ctx context.Context, pendingID string, order model.Order, offering model.Offering) (done bool, backendID string, err error)
}

// UsageBackend reports component usage for the reporting processor (spec.md §4.5).
type UsageBackend interface {
	BackendType() string

	// ReportUsage returns this resource's usage for the given period.
	ReportUsage(ctx context.Context, resource model.Resource, period model.UsagePeriod, offering model.Offering) (model.UsageReportEntry, error)

	// SupportsDecreasingUsage reports whether this backend's current-period
	// usage is allowed to decrease between submissions (spec.md §4.5
	// invariant). Most backends report monotonically increasing counters, so
	// a decrease signals a backend anomaly rather than a legitimate
	// correction; the report processor skips the offending component's
	// submission instead of applying it when this returns false.
	SupportsDecreasingUsage() bool
}

// MembershipBackend propagates project membership onto a backend account
// (spec.md §4.4).
type MembershipBackend interface {
	BackendType() string

	// SetUsers replaces the backend-side membership of a resource with
	// exactly the usernames in desired.
	SetUsers(ctx context.Context, resource model.Resource, desired []string, offering model.Offering) (added, removed []string, err error)

	// SupportsServiceAccounts reports whether this backend can hold
	// non-human service accounts, gating the service/course account sync
	// (spec.md Open Question: capability is explicit, not probed via reflection).
	SupportsServiceAccounts() bool

	// SyncServiceAccounts propagates service and course accounts onto the
	// resource. Only called when SupportsServiceAccounts returns true.
	SyncServiceAccounts(ctx context.Context, resource model.Resource, accounts []model.ServiceAccount, courses []model.CourseAccount, offering model.Offering) error
}

// UsernameBackend generates and validates backend usernames for the
// offering-user state machine (spec.md §4.6). Generation is a sum-type
// result (UsernameResult) rather than an exception, since REQUESTED →
// CREATING can legitimately branch three ways.
type UsernameBackend interface {
	BackendType() string

	// GenerateUsername derives (or looks up) a backend username for a
	// marketplace user tied to an offering.
	GenerateUsername(ctx context.Context, user model.OfferingUser, offering model.Offering) UsernameResult

	// SupportsUserAttributeUpdates reports whether this backend can push
	// email/name/affiliation changes to an already-created account
	// (spec.md Open Question #2: explicit capability, no getattr probing).
	SupportsUserAttributeUpdates() bool

	// UpdateUserAttributes pushes updated profile fields to the backend
	// account. Only called when SupportsUserAttributeUpdates returns true.
	UpdateUserAttributes(ctx context.Context, user model.OfferingUser, offering model.Offering) error
}

// UsernameResultKind discriminates the three outcomes of username generation.
type UsernameResultKind int

const (
	// UsernameOK means a username was generated and the offering user may
	// transition straight to OK.
	UsernameOK UsernameResultKind = iota
	// UsernameNeedsLinking means the user must link an external account
	// before a username can be assigned (PENDING_ACCOUNT_LINKING).
	UsernameNeedsLinking
	// UsernameNeedsValidation means additional validation is required
	// before a username can be assigned (PENDING_ADDITIONAL_VALIDATION).
	UsernameNeedsValidation
	// UsernameErr means generation failed outright.
	UsernameErr
)

// UsernameResult is the sum-type substitute for Python's exception-driven
// control flow around username generation.
type UsernameResult struct {
	Kind     UsernameResultKind
	Username string
	Comment  string
	URL      string
	Err      error
}

// HomedirBackend is an optional capability a ResourceBackend may implement
// to create home directories for offering users (the `create-homedirs`
// auxiliary command). Historically exclusive to SLURM-family backends, so
// it is checked via type assertion rather than folded into the Registry.
type HomedirBackend interface {
	SupportsHomedirs() bool
	CreateUserHomedirs(ctx context.Context, usernames []string, umask string) error
}

// DiagnosticsBackend is an optional capability exposing deep health checks
// beyond reachability, surfaced by the `diagnostics` auxiliary command.
type DiagnosticsBackend interface {
	Ping(ctx context.Context) error
	Diagnostics(ctx context.Context) (string, error)
}

// Registry holds the compile-time-registered backend implementations for
// one agent process, keyed by backend_type.
type Registry struct {
	mu         sync.RWMutex
	resources  map[string]ResourceBackend
	usage      map[string]UsageBackend
	membership map[string]MembershipBackend
	usernames  map[string]UsernameBackend
}

var global = NewRegistry()

// NewRegistry constructs an empty Registry. Most callers use the package-level
// Register* functions against the process-wide global registry instead.
func NewRegistry() *Registry {
	return &Registry{
		resources:  make(map[string]ResourceBackend),
		usage:      make(map[string]UsageBackend),
		membership: make(map[string]MembershipBackend),
		usernames:  make(map[string]UsernameBackend),
	}
}

// RegisterResourceBackend attaches a ResourceBackend, typically called from
// an init() function in the backend's own package.
func RegisterResourceBackend(b ResourceBackend) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if _, exists := global.resources[b.BackendType()]; exists {
		panic(fmt.Sprintf("resource backend already registered: %s", b.BackendType()))
	}
	global.resources[b.BackendType()] = b
}

// RegisterUsageBackend attaches a UsageBackend.
func RegisterUsageBackend(b UsageBackend) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if _, exists := global.usage[b.BackendType()]; exists {
		panic(fmt.Sprintf("usage backend already registered: %s", b.BackendType()))
	}
	global.usage[b.BackendType()] = b
}

// RegisterMembershipBackend attaches a MembershipBackend.
func RegisterMembershipBackend(b MembershipBackend) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if _, exists := global.membership[b.BackendType()]; exists {
		panic(fmt.Sprintf("membership backend already registered: %s", b.BackendType()))
	}
	global.membership[b.BackendType()] = b
}

// RegisterUsernameBackend attaches a UsernameBackend.
func RegisterUsernameBackend(b UsernameBackend) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if _, exists := global.usernames[b.BackendType()]; exists {
		panic(fmt.Sprintf("username backend already registered: %s", b.BackendType()))
	}
	global.usernames[b.BackendType()] = b
}

// GetResourceBackend looks up a registered ResourceBackend by tag.
func GetResourceBackend(backendType string) (ResourceBackend, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	b, ok := global.resources[backendType]
	return b, ok
}

// GetUsageBackend looks up a registered UsageBackend by tag.
func GetUsageBackend(backendType string) (UsageBackend, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	b, ok := global.usage[backendType]
	return b, ok
}

// GetMembershipBackend looks up a registered MembershipBackend by tag.
func GetMembershipBackend(backendType string) (MembershipBackend, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	b, ok := global.membership[backendType]
	return b, ok
}

// GetUsernameBackend looks up a registered UsernameBackend by tag.
func GetUsernameBackend(backendType string) (UsernameBackend, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	b, ok := global.usernames[backendType]
	return b, ok
}
