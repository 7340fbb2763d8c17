// Package model holds the data types shared between the marketplace
// facade, the backend plugins, and the reconciliation processors.
package model

import "time"

// AgentMode selects which reconciliation loop the process runs.
type AgentMode string

const (
	ModeOrderProcess   AgentMode = "order_process"
	ModeReport         AgentMode = "report"
	ModeMembershipSync AgentMode = "membership_sync"
	ModeEventProcess   AgentMode = "event_process"
)

// LimitPeriod bounds the accounting window for a limit-bearing component.
type LimitPeriod string

const (
	LimitPeriodDay    LimitPeriod = "day"
	LimitPeriodWeek   LimitPeriod = "week"
	LimitPeriodMonth  LimitPeriod = "month"
	LimitPeriodAnnual LimitPeriod = "annual"
	LimitPeriodTotal  LimitPeriod = "total"
)

// AccountingType classifies how a component's amount is billed.
type AccountingType string

const (
	AccountingUsage   AccountingType = "usage"
	AccountingLimit   AccountingType = "limit"
	AccountingFixed   AccountingType = "fixed"
	AccountingOneTime AccountingType = "one_time"
)

// BackendComponent is a measurable or limit-bearing dimension of an offering.
type BackendComponent struct {
	Type             string
	Label            string
	MeasuredUnit     string
	UnitFactor       int
	AccountingType   AccountingType
	Limit            *int
	Min              *int
	Max              *int
	Default          *int
	LimitPeriod      LimitPeriod
	TargetComponents map[string]string
}

// Offering is the unit of configuration and isolation. Immutable after load.
type Offering struct {
	UUID        string
	Name        string
	APIURL      string
	APIToken    string
	BackendType string

	BackendSettings   map[string]string
	BackendComponents map[string]BackendComponent

	StompEnabled                  bool
	WebsocketUseTLS                bool
	StompWSHost                    string
	StompWSPort                    int
	StompWSPath                    string
	UsernameReconciliationEnabled  bool
	ResourceImportEnabled          bool
	VerifySSL                      bool

	UsernameManagementBackend string
	OrderProcessingBackend    string
	MembershipSyncBackend     string
	ReportingBackend          string

	UsernameGenerationPolicyServiceProvider bool
}

// HasOrderProcessing reports whether this offering drives order reconciliation.
func (o Offering) HasOrderProcessing() bool { return o.OrderProcessingBackend != "" }

// HasMembershipSync reports whether this offering drives membership reconciliation.
func (o Offering) HasMembershipSync() bool { return o.MembershipSyncBackend != "" }

// HasReporting reports whether this offering drives usage reporting.
func (o Offering) HasReporting() bool { return o.ReportingBackend != "" }

// ResourceState mirrors the marketplace resource lifecycle state.
type ResourceState string

const (
	ResourceStateOK          ResourceState = "OK"
	ResourceStateErred       ResourceState = "ERRED"
	ResourceStateCreating    ResourceState = "CREATING"
	ResourceStateUpdating    ResourceState = "UPDATING"
	ResourceStateTerminating ResourceState = "TERMINATING"
	ResourceStateTerminated  ResourceState = "TERMINATED"
)

// Resource is the marketplace view of a provisioned backend account.
type Resource struct {
	UUID          string            `json:"uuid"`
	BackendID     string            `json:"backend_id"`
	Name          string            `json:"name"`
	State         ResourceState     `json:"state"`
	OfferingUUID  string            `json:"offering_uuid"`
	ProjectUUID   string            `json:"project_uuid"`
	CustomerUUID  string            `json:"customer_uuid"`
	Limits        map[string]int    `json:"limits"`
	Paused        bool              `json:"paused"`
	Downscaled    bool              `json:"downscaled"`
	PluginOptions map[string]string `json:"plugin_options"`
}

// OrderType enumerates the three marketplace order kinds.
type OrderType string

const (
	OrderTypeCreate    OrderType = "CREATE"
	OrderTypeUpdate    OrderType = "UPDATE"
	OrderTypeTerminate OrderType = "TERMINATE"
)

// OrderState mirrors the marketplace order state machine (spec.md §3).
type OrderState string

const (
	OrderStatePendingProvider OrderState = "PENDING_PROVIDER"
	OrderStateExecuting       OrderState = "EXECUTING"
	OrderStateDone            OrderState = "DONE"
	OrderStateErred           OrderState = "ERRED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateCanceled        OrderState = "CANCELED"
)

// IsTerminal reports whether the order state requires no further action.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateDone, OrderStateErred, OrderStateRejected, OrderStateCanceled:
		return true
	default:
		return false
	}
}

// IsTerminalError reports whether the order ended in an error-like terminal state.
func (s OrderState) IsTerminalError() bool {
	switch s {
	case OrderStateErred, OrderStateRejected, OrderStateCanceled:
		return true
	default:
		return false
	}
}

// Order is a marketplace-issued state-carrying command on a resource.
type Order struct {
	UUID                    string            `json:"uuid"`
	Type                    OrderType         `json:"type"`
	State                   OrderState        `json:"state"`
	ResourceUUID            string            `json:"resource_uuid"`
	OfferingUUID            string            `json:"offering_uuid"`
	ProjectUUID             string            `json:"project_uuid"`
	MarketplaceResourceUUID string            `json:"marketplace_resource_uuid"`
	Attributes              map[string]any    `json:"attributes"`
	Limits                  map[string]int    `json:"limits"`
	ErrorMessage            string            `json:"error_message"`
	ErrorTraceback          string            `json:"error_traceback"`
	BackendID               string            `json:"backend_id"`
}

// OfferingUserState drives the state machine in spec.md §4.6.
type OfferingUserState string

const (
	OfferingUserRequested                   OfferingUserState = "REQUESTED"
	OfferingUserCreating                    OfferingUserState = "CREATING"
	OfferingUserOK                          OfferingUserState = "OK"
	OfferingUserPendingAccountLinking       OfferingUserState = "PENDING_ACCOUNT_LINKING"
	OfferingUserPendingAdditionalValidation OfferingUserState = "PENDING_ADDITIONAL_VALIDATION"
)

// OfferingUser binds a marketplace user to an offering with a backend username.
type OfferingUser struct {
	UUID         string            `json:"uuid"`
	UserUUID     string            `json:"user_uuid"`
	OfferingUUID string            `json:"offering_uuid"`
	ProjectUUID  string            `json:"project_uuid"`
	Username     string            `json:"username"`
	State        OfferingUserState `json:"state"`
	Email        string            `json:"email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Affiliations []string          `json:"affiliations"`
}

// AgentIdentity tags this agent instance with the marketplace.
type AgentIdentity struct {
	UUID           string `json:"uuid"`
	BackendType    string `json:"backend_type"`
	BackendVersion string `json:"backend_version"`
}

// AgentService registers one reconciliation mode for an agent identity.
type AgentService struct {
	UUID              string    `json:"uuid"`
	AgentIdentityUUID string    `json:"agent_identity_uuid"`
	OfferingUUID      string    `json:"offering_uuid"`
	Mode              AgentMode `json:"mode"`
}

// AgentProcessor registers one object-type subscriber for an agent service.
type AgentProcessor struct {
	UUID             string          `json:"uuid"`
	AgentServiceUUID string          `json:"agent_service_uuid"`
	ObjectType       EventObjectType `json:"object_type"`
}

// EventObjectType enumerates the STOMP subscription object types (spec.md §4.7).
type EventObjectType string

const (
	ObjectTypeOrder                EventObjectType = "ORDER"
	ObjectTypeUserRole             EventObjectType = "USER_ROLE"
	ObjectTypeResource             EventObjectType = "RESOURCE"
	ObjectTypeServiceAccount       EventObjectType = "SERVICE_ACCOUNT"
	ObjectTypeCourseAccount        EventObjectType = "COURSE_ACCOUNT"
	ObjectTypeOfferingUser         EventObjectType = "OFFERING_USER"
	ObjectTypeImportableResources  EventObjectType = "IMPORTABLE_RESOURCES"
	ObjectTypeResourcePeriodicLimits EventObjectType = "RESOURCE_PERIODIC_LIMITS"
)

// ObjectTypesForOffering derives the union of STOMP object types this
// offering must subscribe to, per spec.md §4.7.
func ObjectTypesForOffering(o Offering) []EventObjectType {
	var types []EventObjectType
	if o.HasOrderProcessing() {
		types = append(types, ObjectTypeOrder)
	}
	if o.HasMembershipSync() {
		types = append(types,
			ObjectTypeUserRole,
			ObjectTypeResource,
			ObjectTypeServiceAccount,
			ObjectTypeCourseAccount,
			ObjectTypeOfferingUser,
		)
	}
	if o.ResourceImportEnabled {
		types = append(types, ObjectTypeImportableResources)
	}
	return types
}

// EventSubscription is a (agent identity, object type) registration.
type EventSubscription struct {
	UUID       string          `json:"uuid"`
	UserUUID   string          `json:"user_uuid"`
	ObjectType EventObjectType `json:"object_type"`
	QueueName  string          `json:"queue_name"`
}

// SubscriptionDestination builds the broker destination per spec.md §6.
func SubscriptionDestination(subscriptionUUID, offeringUUID string, objectType EventObjectType) string {
	return "subscription_" + subscriptionUUID + "_offering_" + offeringUUID + "_" + string(objectType)
}

// ServiceAccount is a non-human project member propagated to backends.
type ServiceAccount struct {
	UUID        string `json:"uuid"`
	Username    string `json:"username"`
	ProjectUUID string `json:"project_uuid"`
	Active      bool   `json:"active"`
}

// CourseAccount is a course-scoped service account variant.
type CourseAccount struct {
	UUID        string `json:"uuid"`
	Username    string `json:"username"`
	ProjectUUID string `json:"project_uuid"`
	Active      bool   `json:"active"`
}

// UsagePeriod identifies one reporting period (year, month).
type UsagePeriod struct {
	Year      int
	Month     int
	IsCurrent bool
}

// FirstOfMonth returns the UTC first-of-month timestamp for this period.
func (p UsagePeriod) FirstOfMonth() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// ComponentUsage is a per-component usage amount, optionally attributed to a user.
type ComponentUsage struct {
	ComponentType string `json:"type"`
	Amount        int    `json:"amount"`
	UserUUID      string `json:"user_uuid"` // empty for resource-level total
	UsageUUID     string `json:"uuid"`      // component-usage record UUID, for per-user submissions
}

// UsageReportEntry is one resource's usage for a period, as returned by a backend.
type UsageReportEntry struct {
	ResourceBackendID string
	Total             []ComponentUsage
	PerUser           []ComponentUsage
}
