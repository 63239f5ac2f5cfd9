package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"docflow/internal/authz"
	"docflow/internal/domain"
	"docflow/internal/events"
	"docflow/internal/rank"
)

// ActionOptions are parameters for recording an action taken.
type ActionOptions struct {
	DocumentID  string
	PrincipalID string
	ActionCode  string
	Annotation  string
	ActorID     string
}

// RecordActionTaken records that a principal performed an action and drives
// the satisfaction cascade over the pending request forest. The audit row is
// immutable; everything runs in one transaction guarded by the document
// version.
func (e Engine) RecordActionTaken(ctx context.Context, opts ActionOptions) (domain.ActionTaken, error) {
	if opts.PrincipalID == "" {
		return domain.ActionTaken{}, fmt.Errorf("principal is required")
	}
	if !rank.ValidTakenAction(opts.ActionCode) {
		return domain.ActionTaken{}, rank.InvalidCodeError{Kind: "action", Code: opts.ActionCode}
	}
	doc, err := e.Repo.GetDocument(ctx, opts.DocumentID)
	if err != nil {
		return domain.ActionTaken{}, err
	}
	if doc.Status != domain.DocumentEnroute && requiresEnroute(opts.ActionCode) {
		return domain.ActionTaken{}, DocumentStateError{DocumentID: doc.ID, Status: doc.Status}
	}
	policy, err := e.effectivePolicy(ctx, doc.DocType)
	if err != nil {
		return domain.ActionTaken{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionTaken{}, err
	}
	defer tx.Rollback()

	addressed, err := e.Repo.ListPendingRequestsForPrincipalTx(ctx, tx, doc.ID, opts.PrincipalID)
	if err != nil {
		return domain.ActionTaken{}, err
	}
	taken := domain.ActionTaken{
		ID:          uuid.New().String(),
		DocumentID:  doc.ID,
		PrincipalID: opts.PrincipalID,
		ActionCode:  opts.ActionCode,
		Annotation:  opts.Annotation,
		CreatedAt:   e.nowRFC3339(),
	}

	switch opts.ActionCode {
	case domain.ActionDisapprove:
		if !holdsApprovalRequest(addressed) {
			return domain.ActionTaken{}, authz.AuthorizationError{PrincipalID: opts.PrincipalID, ActionCode: opts.ActionCode, DocumentID: doc.ID}
		}
		if err := e.Repo.InsertActionTakenTx(ctx, tx, taken); err != nil {
			return domain.ActionTaken{}, err
		}
		if err := e.disapprove(ctx, tx, &doc, taken, opts.ActorID); err != nil {
			return domain.ActionTaken{}, err
		}
	case domain.ActionBlanketApprove:
		if opts.PrincipalID != doc.InitiatorID && !holdsApprovalRequest(addressed) {
			return domain.ActionTaken{}, authz.AuthorizationError{PrincipalID: opts.PrincipalID, ActionCode: opts.ActionCode, DocumentID: doc.ID}
		}
		if err := e.Repo.InsertActionTakenTx(ctx, tx, taken); err != nil {
			return domain.ActionTaken{}, err
		}
		if err := e.blanketApprove(ctx, tx, doc, addressed, opts.PrincipalID, taken.ID); err != nil {
			return domain.ActionTaken{}, err
		}
	default:
		same := policy.CompleteApproveSame != nil && *policy.CompleteApproveSame
		var satisfied []domain.ActionRequest
		for _, req := range addressed {
			cmp, err := rank.CompareActionCode(opts.ActionCode, req.ActionRequested, same)
			if err != nil {
				return domain.ActionTaken{}, err
			}
			if cmp >= 0 {
				satisfied = append(satisfied, req)
			}
		}
		if len(satisfied) == 0 {
			return domain.ActionTaken{}, authz.AuthorizationError{PrincipalID: opts.PrincipalID, ActionCode: opts.ActionCode, DocumentID: doc.ID}
		}
		if err := e.Repo.InsertActionTakenTx(ctx, tx, taken); err != nil {
			return domain.ActionTaken{}, err
		}
		for _, req := range satisfied {
			if err := e.satisfyRequest(ctx, tx, req.ID, opts.PrincipalID, taken.ID); err != nil {
				return domain.ActionTaken{}, err
			}
		}
	}

	if err := e.Events.Append(ctx, tx, "action.taken", doc.ID, "action", taken.ID, opts.ActorID, events.EventPayload{
		"principal": taken.PrincipalID,
		"action":    taken.ActionCode,
	}); err != nil {
		return domain.ActionTaken{}, err
	}
	if doc.Status == domain.DocumentEnroute {
		nodeSatisfied, err := e.nodeSatisfied(ctx, tx, doc.ID)
		if err != nil {
			return domain.ActionTaken{}, err
		}
		if nodeSatisfied {
			if err := e.Events.Append(ctx, tx, "document.node.satisfied", doc.ID, "document", doc.ID, opts.ActorID, events.EventPayload{
				"route_node":  doc.RouteNode,
				"route_level": doc.RouteLevel,
			}); err != nil {
				return domain.ActionTaken{}, err
			}
		}
	}
	if err := e.completeDocument(ctx, tx, doc, doc.Version); err != nil {
		return domain.ActionTaken{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionTaken{}, err
	}
	return taken, nil
}

// requiresEnroute reports whether an action may only be taken while the
// document is still routing. Acknowledge and fyi obligations survive a
// disapproval, so those actions stay legal on a settled document.
func requiresEnroute(code string) bool {
	switch code {
	case domain.ActionApprove, domain.ActionComplete, domain.ActionDisapprove, domain.ActionBlanketApprove:
		return true
	}
	return false
}

func holdsApprovalRequest(requests []domain.ActionRequest) bool {
	for _, r := range requests {
		if r.ActionRequested == domain.ActionApprove || r.ActionRequested == domain.ActionComplete {
			return true
		}
	}
	return false
}

// satisfyRequest settles one addressed request for the acting principal. A
// group request under the ALL policy sheds only the actor's item until the
// last member acts; every other shape marks the whole lineage done.
func (e Engine) satisfyRequest(ctx context.Context, tx *sql.Tx, requestID, principalID, takenID string) error {
	req, err := e.Repo.GetActionRequestTx(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if !req.Pending() {
		return nil
	}
	if req.IsGroupRequest() && req.ApprovePolicy == domain.ApprovePolicyAll {
		if err := e.Repo.DeleteActionItemTx(ctx, tx, req.ID, principalID); err != nil {
			return err
		}
		items, err := e.Repo.ListActionItemsByRequestTx(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			return nil
		}
	}
	if err := e.markLineageDone(ctx, tx, req, takenID); err != nil {
		return err
	}
	return e.settleParent(ctx, tx, req, takenID)
}

// markLineageDone marks a request and its pending descendants done and drops
// their items. Delegate children are moot once the request they back is done.
func (e Engine) markLineageDone(ctx context.Context, tx *sql.Tx, req domain.ActionRequest, takenID string) error {
	if req.Status == domain.RequestDone {
		return nil
	}
	var taken *string
	if takenID != "" {
		taken = &takenID
	}
	if err := e.Repo.MarkRequestDoneTx(ctx, tx, req.ID, taken); err != nil {
		return err
	}
	if err := e.Repo.DeleteActionItemsByRequestTx(ctx, tx, req.ID); err != nil {
		return err
	}
	children, err := e.Repo.ListChildRequestsTx(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status == domain.RequestDone {
			continue
		}
		if err := e.markLineageDone(ctx, tx, child, takenID); err != nil {
			return err
		}
	}
	return nil
}

// settleParent decides what a completed child means for its parent. A primary
// delegate supersedes the delegator; a secondary delegate leaves the
// delegator's request pending; a resolved member settles the parent per its
// approve policy.
func (e Engine) settleParent(ctx context.Context, tx *sql.Tx, req domain.ActionRequest, takenID string) error {
	if req.ParentID == nil {
		return nil
	}
	parent, err := e.Repo.GetActionRequestTx(ctx, tx, *req.ParentID)
	if err != nil {
		return err
	}
	if !parent.Pending() {
		return nil
	}
	switch req.DelegationType {
	case domain.DelegationPrimary:
		if err := e.markLineageDone(ctx, tx, parent, takenID); err != nil {
			return err
		}
		return e.settleParent(ctx, tx, parent, takenID)
	case domain.DelegationSecondary:
		return nil
	}
	// A lower-ranked child (an initiator FYI split off an approve request)
	// never satisfies its parent.
	cmp, err := rank.CompareActionCode(req.ActionRequested, parent.ActionRequested, false)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return nil
	}
	if parent.ApprovePolicy == domain.ApprovePolicyFirst {
		if err := e.markLineageDone(ctx, tx, parent, takenID); err != nil {
			return err
		}
		return e.settleParent(ctx, tx, parent, takenID)
	}
	children, err := e.Repo.ListChildRequestsTx(ctx, tx, parent.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Pending() && child.DelegationType == domain.DelegationNone {
			return nil
		}
	}
	if err := e.markLineageDone(ctx, tx, parent, takenID); err != nil {
		return err
	}
	return e.settleParent(ctx, tx, parent, takenID)
}

// disapprove is terminal for the document. Every pending request goes done
// and everyone who had already approved gets a fresh acknowledge request so
// they are informed.
func (e Engine) disapprove(ctx context.Context, tx *sql.Tx, doc *domain.Document, taken domain.ActionTaken, actorID string) error {
	priorApprovers, err := e.Repo.PrincipalsWhoTookTx(ctx, tx, doc.ID, []string{
		domain.ActionApprove, domain.ActionComplete, domain.ActionBlanketApprove,
	})
	if err != nil {
		return err
	}
	pending, err := e.Repo.ListPendingRequestsTx(ctx, tx, doc.ID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if err := e.markLineageDone(ctx, tx, req, taken.ID); err != nil {
			return err
		}
	}
	for _, principal := range priorApprovers {
		if principal == taken.PrincipalID {
			continue
		}
		ack := domain.ActionRequest{
			ID:               uuid.New().String(),
			DocumentID:       doc.ID,
			ActionRequested:  domain.ActionAcknowledge,
			Status:           domain.RequestActivated,
			RecipientType:    domain.RecipientUser,
			DelegationType:   domain.DelegationNone,
			RouteNode:        doc.RouteNode,
			RouteLevel:       doc.RouteLevel,
			ApprovePolicy:    domain.ApprovePolicyFirst,
			CurrentIndicator: true,
			Annotation:       fmt.Sprintf("document disapproved by %s", taken.PrincipalID),
			CreatedAt:        e.nowRFC3339(),
		}
		p := principal
		ack.PrincipalID = &p
		if err := e.Repo.InsertActionRequest(ctx, tx, ack); err != nil {
			return err
		}
		if err := e.insertItem(ctx, tx, ack, p, nil); err != nil {
			return err
		}
	}
	doc.Status = domain.DocumentDisapproved
	return e.Events.Append(ctx, tx, "document.disapproved", doc.ID, "document", doc.ID, actorID, events.EventPayload{
		"principal":     taken.PrincipalID,
		"acknowledgers": priorApprovers,
	})
}

// blanketApprove satisfies every pending approve and complete request on the
// document plus anything still addressed to the actor.
func (e Engine) blanketApprove(ctx context.Context, tx *sql.Tx, doc domain.Document, addressed []domain.ActionRequest, principalID, takenID string) error {
	pending, err := e.Repo.ListPendingRequestsTx(ctx, tx, doc.ID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if req.ActionRequested != domain.ActionApprove && req.ActionRequested != domain.ActionComplete {
			continue
		}
		// Blanket approval overrides the ALL policy; the whole lineage is
		// satisfied at once.
		current, err := e.Repo.GetActionRequestTx(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if !current.Pending() {
			continue
		}
		if err := e.markLineageDone(ctx, tx, current, takenID); err != nil {
			return err
		}
		if err := e.settleParent(ctx, tx, current, takenID); err != nil {
			return err
		}
	}
	for _, req := range addressed {
		if err := e.satisfyRequest(ctx, tx, req.ID, principalID, takenID); err != nil {
			return err
		}
	}
	return nil
}

// nodeSatisfied reports whether no approve or complete obligations remain.
func (e Engine) nodeSatisfied(ctx context.Context, tx *sql.Tx, documentID string) (bool, error) {
	pending, err := e.Repo.ListPendingRequestsTx(ctx, tx, documentID)
	if err != nil {
		return false, err
	}
	for _, req := range pending {
		if req.ActionRequested == domain.ActionApprove || req.ActionRequested == domain.ActionComplete {
			return false, nil
		}
	}
	return true, nil
}
