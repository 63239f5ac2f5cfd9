package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"docflow/internal/config"
	"docflow/internal/domain"
	"docflow/internal/events"
	"docflow/internal/rank"
)

// RequestSpec describes one recipient obligation to resolve. Exactly one of
// PrincipalID, GroupID or RoleName must be set, matching RecipientType.
type RequestSpec struct {
	ActionRequested  string
	RecipientType    string
	PrincipalID      string
	GroupID          string
	RoleName         string
	Qualifier        string
	Priority         int
	ResponsibilityID string
	ForceAction      bool
	ApprovePolicy    string
	Annotation       string
	Delegates        []DelegateSpec
}

// DelegateSpec attaches a delegate to the request being resolved.
type DelegateSpec struct {
	PrincipalID    string
	GroupID        string
	DelegationType string
}

// ResolveResult carries the persisted requests plus the soft anomalies that
// did not abort the batch.
type ResolveResult struct {
	Requests  []domain.ActionRequest
	Anomalies []UnresolvableRecipientError
}

// ResolveRequests persists the request forest for a batch of specs. Hard
// errors roll back the whole batch; unresolvable recipients are recorded and
// the rest of the batch proceeds.
func (e Engine) ResolveRequests(ctx context.Context, documentID, routeNode string, specs []RequestSpec, actorID string) (ResolveResult, error) {
	var result ResolveResult
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return result, err
	}
	if doc.Status != domain.DocumentEnroute {
		return result, DocumentStateError{DocumentID: doc.ID, Status: doc.Status}
	}
	policy, err := e.effectivePolicy(ctx, doc.DocType)
	if err != nil {
		return result, err
	}
	if routeNode == "" {
		routeNode = doc.RouteNode
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	for _, spec := range specs {
		if err := e.resolveOne(ctx, tx, doc, policy, routeNode, spec, actorID, &result); err != nil {
			return ResolveResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "requests.resolved", doc.ID, "document", doc.ID, actorID, events.EventPayload{
		"route_node": routeNode,
		"requests":   len(result.Requests),
		"anomalies":  len(result.Anomalies),
	}); err != nil {
		return ResolveResult{}, err
	}
	if err := e.completeDocument(ctx, tx, doc, doc.Version); err != nil {
		return ResolveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResolveResult{}, err
	}
	return result, nil
}

func (e Engine) resolveOne(ctx context.Context, tx *sql.Tx, doc domain.Document, policy config.DocTypePolicy, routeNode string, spec RequestSpec, actorID string, result *ResolveResult) error {
	if !rank.ValidRequestedAction(spec.ActionRequested) {
		return rank.InvalidCodeError{Kind: "action", Code: spec.ActionRequested}
	}
	approvePolicy := spec.ApprovePolicy
	if approvePolicy == "" {
		approvePolicy = policy.ApprovePolicy
	}
	if approvePolicy != domain.ApprovePolicyFirst && approvePolicy != domain.ApprovePolicyAll {
		return fmt.Errorf("approve policy must be %s or %s", domain.ApprovePolicyFirst, domain.ApprovePolicyAll)
	}
	root := domain.ActionRequest{
		ID:               uuid.New().String(),
		DocumentID:       doc.ID,
		ActionRequested:  spec.ActionRequested,
		Status:           domain.RequestInitialized,
		RecipientType:    spec.RecipientType,
		DelegationType:   domain.DelegationNone,
		ResponsibilityID: spec.ResponsibilityID,
		Priority:         spec.Priority,
		RouteNode:        routeNode,
		RouteLevel:       doc.RouteLevel,
		ForceAction:      spec.ForceAction,
		ApprovePolicy:    approvePolicy,
		CurrentIndicator: true,
		Annotation:       spec.Annotation,
		CreatedAt:        e.nowRFC3339(),
	}
	if spec.Qualifier != "" {
		root.Qualifier = &spec.Qualifier
	}

	switch spec.RecipientType {
	case domain.RecipientUser:
		if spec.PrincipalID == "" {
			return errors.New("principal is required for a user recipient")
		}
		root.PrincipalID = &spec.PrincipalID
		return e.resolveUserRoot(ctx, tx, doc, policy, spec, root, actorID, result)
	case domain.RecipientGroup:
		if spec.GroupID == "" {
			return errors.New("group is required for a group recipient")
		}
		root.GroupID = &spec.GroupID
		return e.resolveGroupRoot(ctx, tx, doc, policy, spec, root, actorID, result)
	case domain.RecipientRole:
		if spec.RoleName == "" {
			return errors.New("role is required for a role recipient")
		}
		root.RoleName = &spec.RoleName
		return e.resolveRoleRoot(ctx, tx, doc, policy, spec, root, actorID, result)
	default:
		return rank.InvalidCodeError{Kind: "recipient type", Code: spec.RecipientType}
	}
}

func (e Engine) resolveUserRoot(ctx context.Context, tx *sql.Tx, doc domain.Document, policy config.DocTypePolicy, spec RequestSpec, root domain.ActionRequest, actorID string, result *ResolveResult) error {
	disp, err := e.memberDisposition(ctx, tx, doc, policy, spec.PrincipalID, root.ActionRequested, root.ForceAction)
	if err != nil {
		return err
	}
	if disp == memberSkipped {
		return e.Events.Append(ctx, tx, "request.initiator_skipped", doc.ID, "document", doc.ID, actorID, events.EventPayload{
			"principal": spec.PrincipalID,
			"action":    root.ActionRequested,
		})
	}
	if disp == memberFYI {
		root.ActionRequested = domain.ActionFYI
	}
	if disp == memberSuppressed {
		root.Status = domain.RequestDone
		if err := e.Repo.InsertActionRequest(ctx, tx, root); err != nil {
			return err
		}
		result.Requests = append(result.Requests, root)
		return e.Events.Append(ctx, tx, "request.suppressed", doc.ID, "request", root.ID, actorID, events.EventPayload{
			"principal": spec.PrincipalID,
			"action":    root.ActionRequested,
		})
	}
	root.Status = domain.RequestActivated
	if err := e.Repo.InsertActionRequest(ctx, tx, root); err != nil {
		return err
	}
	if err := e.insertItem(ctx, tx, root, spec.PrincipalID, nil); err != nil {
		return err
	}
	result.Requests = append(result.Requests, root)
	if err := e.appendRequestCreated(ctx, tx, root, actorID); err != nil {
		return err
	}
	return e.resolveDelegates(ctx, tx, doc, spec, root, actorID, result)
}

func (e Engine) resolveGroupRoot(ctx context.Context, tx *sql.Tx, doc domain.Document, policy config.DocTypePolicy, spec RequestSpec, root domain.ActionRequest, actorID string, result *ResolveResult) error {
	members, err := e.Identity.ResolveMembers(ctx, tx, spec.GroupID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return e.recordUnresolvable(ctx, tx, root, spec.GroupID, actorID, result)
	}
	root.Status = domain.RequestActivated
	if err := e.Repo.InsertActionRequest(ctx, tx, root); err != nil {
		return err
	}
	result.Requests = append(result.Requests, root)
	if err := e.appendRequestCreated(ctx, tx, root, actorID); err != nil {
		return err
	}
	items := 0
	for _, member := range members {
		disp, err := e.memberDisposition(ctx, tx, doc, policy, member, root.ActionRequested, root.ForceAction)
		if err != nil {
			return err
		}
		switch disp {
		case memberSkipped, memberSuppressed:
			continue
		case memberFYI:
			if err := e.insertChildFYI(ctx, tx, doc, root, member, result); err != nil {
				return err
			}
		default:
			if err := e.insertItem(ctx, tx, root, member, nil); err != nil {
				return err
			}
			items++
		}
	}
	children := countChildren(result.Requests, root.ID)
	if items == 0 && children == 0 {
		if err := e.Repo.MarkRequestDoneTx(ctx, tx, root.ID, nil); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "request.suppressed", doc.ID, "request", root.ID, actorID, events.EventPayload{
			"group":  spec.GroupID,
			"action": root.ActionRequested,
		}); err != nil {
			return err
		}
		return nil
	}
	return e.resolveDelegates(ctx, tx, doc, spec, root, actorID, result)
}

func (e Engine) resolveRoleRoot(ctx context.Context, tx *sql.Tx, doc domain.Document, policy config.DocTypePolicy, spec RequestSpec, root domain.ActionRequest, actorID string, result *ResolveResult) error {
	if e.Roles == nil {
		return errors.New("role resolver not configured")
	}
	members, err := e.Roles.ResolveRole(ctx, spec.RoleName, doc.DocType, spec.Qualifier)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return e.recordUnresolvable(ctx, tx, root, spec.RoleName, actorID, result)
	}
	root.Status = domain.RequestActivated
	if err := e.Repo.InsertActionRequest(ctx, tx, root); err != nil {
		return err
	}
	result.Requests = append(result.Requests, root)
	if err := e.appendRequestCreated(ctx, tx, root, actorID); err != nil {
		return err
	}
	created := 0
	for _, member := range members {
		disp, err := e.memberDisposition(ctx, tx, doc, policy, member.PrincipalID, root.ActionRequested, root.ForceAction)
		if err != nil {
			return err
		}
		if disp == memberSkipped || disp == memberSuppressed {
			continue
		}
		child := root
		child.ID = uuid.New().String()
		child.ParentID = &root.ID
		child.RecipientType = domain.RecipientUser
		principal := member.PrincipalID
		child.PrincipalID = &principal
		child.RoleName = nil
		if member.Qualifier != "" {
			qualifier := member.Qualifier
			child.Qualifier = &qualifier
		}
		if disp == memberFYI {
			child.ActionRequested = domain.ActionFYI
		}
		child.CreatedAt = e.nowRFC3339()
		if err := e.Repo.InsertActionRequest(ctx, tx, child); err != nil {
			return err
		}
		if err := e.insertItem(ctx, tx, child, principal, nil); err != nil {
			return err
		}
		result.Requests = append(result.Requests, child)
		created++
	}
	if created == 0 {
		if err := e.Repo.MarkRequestDoneTx(ctx, tx, root.ID, nil); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "request.suppressed", doc.ID, "request", root.ID, actorID, events.EventPayload{
			"role":   spec.RoleName,
			"action": root.ActionRequested,
		})
	}
	return e.resolveDelegates(ctx, tx, doc, spec, root, actorID, result)
}

// resolveDelegates attaches delegate child requests to an active root.
func (e Engine) resolveDelegates(ctx context.Context, tx *sql.Tx, doc domain.Document, spec RequestSpec, root domain.ActionRequest, actorID string, result *ResolveResult) error {
	for _, d := range spec.Delegates {
		if d.DelegationType != domain.DelegationPrimary && d.DelegationType != domain.DelegationSecondary {
			return rank.InvalidCodeError{Kind: "delegation type", Code: d.DelegationType}
		}
		child := root
		child.ID = uuid.New().String()
		child.ParentID = &root.ID
		child.DelegationType = d.DelegationType
		child.Status = domain.RequestActivated
		child.CreatedAt = e.nowRFC3339()
		var delegator *string
		if root.IsUserRequest() {
			delegator = root.PrincipalID
		}
		switch {
		case d.PrincipalID != "":
			principal := d.PrincipalID
			child.RecipientType = domain.RecipientUser
			child.PrincipalID = &principal
			child.GroupID = nil
			child.RoleName = nil
			if err := e.Repo.InsertActionRequest(ctx, tx, child); err != nil {
				return err
			}
			if err := e.insertItem(ctx, tx, child, principal, delegator); err != nil {
				return err
			}
		case d.GroupID != "":
			group := d.GroupID
			child.RecipientType = domain.RecipientGroup
			child.GroupID = &group
			child.PrincipalID = nil
			child.RoleName = nil
			members, err := e.Identity.ResolveMembers(ctx, tx, group)
			if err != nil {
				return err
			}
			if len(members) == 0 {
				child.Status = domain.RequestInitialized
				if err := e.recordUnresolvable(ctx, tx, child, group, actorID, result); err != nil {
					return err
				}
				continue
			}
			if err := e.Repo.InsertActionRequest(ctx, tx, child); err != nil {
				return err
			}
			for _, member := range members {
				if err := e.insertItem(ctx, tx, child, member, delegator); err != nil {
					return err
				}
			}
		default:
			return errors.New("delegate requires a principal or a group")
		}
		result.Requests = append(result.Requests, child)
	}
	return nil
}

type memberDisposition int

const (
	memberEligible memberDisposition = iota
	memberSkipped
	memberFYI
	memberSuppressed
)

// memberDisposition applies the initiator self-routing policy and the
// force-action rule to one candidate principal.
func (e Engine) memberDisposition(ctx context.Context, tx *sql.Tx, doc domain.Document, policy config.DocTypePolicy, principalID, actionRequested string, forceAction bool) (memberDisposition, error) {
	if principalID == doc.InitiatorID && actionRequested != domain.ActionFYI {
		switch policy.InitiatorPolicy {
		case domain.InitiatorPolicySkip:
			return memberSkipped, nil
		case domain.InitiatorPolicyFYI:
			return memberFYI, nil
		}
	}
	if forceAction {
		return memberEligible, nil
	}
	taken, err := e.Repo.ActionCodesTakenByTx(ctx, tx, doc.ID, principalID)
	if err != nil {
		return memberEligible, err
	}
	same := policy.CompleteApproveSame != nil && *policy.CompleteApproveSame
	for _, code := range taken {
		if code == domain.ActionDisapprove {
			continue
		}
		cmp, err := rank.CompareActionCode(code, actionRequested, same)
		if err != nil {
			return memberEligible, err
		}
		if cmp >= 0 {
			return memberSuppressed, nil
		}
	}
	return memberEligible, nil
}

func (e Engine) insertChildFYI(ctx context.Context, tx *sql.Tx, doc domain.Document, root domain.ActionRequest, principalID string, result *ResolveResult) error {
	child := root
	child.ID = uuid.New().String()
	child.ParentID = &root.ID
	child.ActionRequested = domain.ActionFYI
	child.RecipientType = domain.RecipientUser
	principal := principalID
	child.PrincipalID = &principal
	child.GroupID = nil
	child.RoleName = nil
	child.Status = domain.RequestActivated
	child.CreatedAt = e.nowRFC3339()
	if err := e.Repo.InsertActionRequest(ctx, tx, child); err != nil {
		return err
	}
	if err := e.insertItem(ctx, tx, child, principal, nil); err != nil {
		return err
	}
	result.Requests = append(result.Requests, child)
	return nil
}

func (e Engine) insertItem(ctx context.Context, tx *sql.Tx, req domain.ActionRequest, principalID string, delegatorID *string) error {
	item := domain.ActionItem{
		ID:              uuid.New().String(),
		DocumentID:      req.DocumentID,
		ActionRequestID: req.ID,
		PrincipalID:     principalID,
		ActionRequested: req.ActionRequested,
		DelegatorID:     delegatorID,
		CreatedAt:       e.nowRFC3339(),
	}
	return e.Repo.InsertActionItemTx(ctx, tx, item)
}

func (e Engine) recordUnresolvable(ctx context.Context, tx *sql.Tx, req domain.ActionRequest, recipient, actorID string, result *ResolveResult) error {
	req.Status = domain.RequestInitialized
	if err := e.Repo.InsertActionRequest(ctx, tx, req); err != nil {
		return err
	}
	result.Requests = append(result.Requests, req)
	result.Anomalies = append(result.Anomalies, UnresolvableRecipientError{
		RequestID:     req.ID,
		RecipientType: req.RecipientType,
		Recipient:     recipient,
	})
	return e.Events.Append(ctx, tx, "request.unresolvable", req.DocumentID, "request", req.ID, actorID, events.EventPayload{
		"recipient_type": req.RecipientType,
		"recipient":      recipient,
		"action":         req.ActionRequested,
	})
}

func (e Engine) appendRequestCreated(ctx context.Context, tx *sql.Tx, req domain.ActionRequest, actorID string) error {
	payload := events.EventPayload{
		"action":         req.ActionRequested,
		"recipient_type": req.RecipientType,
		"route_node":     req.RouteNode,
	}
	if req.PrincipalID != nil {
		payload["principal"] = *req.PrincipalID
	}
	if req.GroupID != nil {
		payload["group"] = *req.GroupID
	}
	if req.RoleName != nil {
		payload["role"] = *req.RoleName
	}
	return e.Events.Append(ctx, tx, "request.created", req.DocumentID, "request", req.ID, actorID, payload)
}

func countChildren(requests []domain.ActionRequest, parentID string) int {
	n := 0
	for _, r := range requests {
		if r.ParentID != nil && *r.ParentID == parentID {
			n++
		}
	}
	return n
}
