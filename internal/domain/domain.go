package domain

// Action codes a request can ask for, lowest responsibility first.
const (
	ActionFYI         = "fyi"
	ActionAcknowledge = "acknowledge"
	ActionApprove     = "approve"
	ActionComplete    = "complete"
)

// Codes that can be taken but never requested.
const (
	ActionDisapprove     = "disapprove"
	ActionBlanketApprove = "blanket_approve"
)

// Request lifecycle states. Transitions are one-way.
const (
	RequestInitialized = "initialized"
	RequestActivated   = "activated"
	RequestDone        = "done"
)

const (
	RecipientUser  = "user"
	RecipientGroup = "group"
	RecipientRole  = "role"
)

const (
	DelegationNone      = "none"
	DelegationPrimary   = "primary"
	DelegationSecondary = "secondary"
)

const (
	DocumentEnroute     = "enroute"
	DocumentDisapproved = "disapproved"
	DocumentFinal       = "final"
)

const (
	ApprovePolicyFirst = "first"
	ApprovePolicyAll   = "all"
)

const (
	InitiatorPolicyNone = "none"
	InitiatorPolicySkip = "skip"
	InitiatorPolicyFYI  = "fyi"
)

type Document struct {
	ID          string `json:"id"`
	DocType     string `json:"doc_type"`
	Title       string `json:"title"`
	Status      string `json:"status" enum:"enroute,disapproved,final"`
	InitiatorID string `json:"initiator_id"`
	RouteNode   string `json:"route_node,omitempty"`
	RouteLevel  int    `json:"route_level"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ActionRequest struct {
	ID               string  `json:"id"`
	DocumentID       string  `json:"document_id"`
	ParentID         *string `json:"parent_id,omitempty"`
	ActionRequested  string  `json:"action_requested" enum:"fyi,acknowledge,approve,complete"`
	Status           string  `json:"status" enum:"initialized,activated,done"`
	RecipientType    string  `json:"recipient_type" enum:"user,group,role"`
	PrincipalID      *string `json:"principal_id,omitempty"`
	GroupID          *string `json:"group_id,omitempty"`
	RoleName         *string `json:"role_name,omitempty"`
	Qualifier        *string `json:"qualifier,omitempty"`
	DelegationType   string  `json:"delegation_type" enum:"none,primary,secondary"`
	ResponsibilityID string  `json:"responsibility_id,omitempty"`
	Priority         int     `json:"priority"`
	RouteNode        string  `json:"route_node,omitempty"`
	RouteLevel       int     `json:"route_level"`
	ForceAction      bool    `json:"force_action"`
	ApprovePolicy    string  `json:"approve_policy" enum:"first,all"`
	CurrentIndicator bool    `json:"current_indicator"`
	Annotation       string  `json:"annotation,omitempty"`
	ActionTakenID    *string `json:"action_taken_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// Pending reports whether the request still carries a live obligation.
func (r ActionRequest) Pending() bool {
	return r.CurrentIndicator && r.Status != RequestDone
}

func (r ActionRequest) IsUserRequest() bool  { return r.RecipientType == RecipientUser }
func (r ActionRequest) IsGroupRequest() bool { return r.RecipientType == RecipientGroup }
func (r ActionRequest) IsRoleRequest() bool  { return r.RecipientType == RecipientRole }

type ActionItem struct {
	ID              string  `json:"id"`
	DocumentID      string  `json:"document_id"`
	ActionRequestID string  `json:"action_request_id"`
	PrincipalID     string  `json:"principal_id"`
	ActionRequested string  `json:"action_requested"`
	DelegatorID     *string `json:"delegator_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// ActionTaken is the immutable route-log record of a performed action.
type ActionTaken struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	PrincipalID string `json:"principal_id"`
	ActionCode  string `json:"action_code"`
	Annotation  string `json:"annotation,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	MemberTypePrincipal = "principal"
	MemberTypeGroup     = "group"
)

type GroupMember struct {
	GroupID    string `json:"group_id"`
	MemberID   string `json:"member_id"`
	MemberType string `json:"member_type" enum:"principal,group"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
