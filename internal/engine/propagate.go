package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"docflow/internal/domain"
	"docflow/internal/events"
	"docflow/internal/identity"
	"docflow/internal/repo"
)

// PropagationResult summarizes one membership propagation pass.
type PropagationResult struct {
	Groups       []string `json:"groups,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	ItemsAdded   int      `json:"items_added"`
	ItemsRemoved int      `json:"items_removed"`
}

func (e Engine) CreateGroup(ctx context.Context, id, name, actorID string) (domain.Group, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Group{}, err
	}
	defer tx.Rollback()
	g, err := e.Identity.CreateGroup(ctx, tx, id, name)
	if err != nil {
		return domain.Group{}, err
	}
	if err := e.Events.Append(ctx, tx, "group.created", "", "group", g.ID, actorID, events.EventPayload{"name": g.Name}); err != nil {
		return domain.Group{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Group{}, err
	}
	return g, nil
}

// AddGroupMember records the membership change and propagates it to pending
// requests in the same transaction.
func (e Engine) AddGroupMember(ctx context.Context, groupID, memberID, memberType, actorID string) (PropagationResult, error) {
	return e.changeMembership(ctx, groupID, memberID, memberType, actorID, "add")
}

// RemoveGroupMember records the membership removal and propagates it.
func (e Engine) RemoveGroupMember(ctx context.Context, groupID, memberID, memberType, actorID string) (PropagationResult, error) {
	return e.changeMembership(ctx, groupID, memberID, memberType, actorID, "remove")
}

func (e Engine) changeMembership(ctx context.Context, groupID, memberID, memberType, actorID, op string) (PropagationResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PropagationResult{}, err
	}
	defer tx.Rollback()
	exists, err := e.Identity.GroupExistsTx(ctx, tx, groupID)
	if err != nil {
		return PropagationResult{}, err
	}
	if !exists {
		return PropagationResult{}, identity.ErrNotFound
	}
	switch op {
	case "add":
		err = e.Identity.AddMember(ctx, tx, groupID, memberID, memberType)
	default:
		err = e.Identity.RemoveMember(ctx, tx, groupID, memberID, memberType)
	}
	if err != nil {
		return PropagationResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "group.membership.changed", "", "group", groupID, actorID, events.EventPayload{
		"op":          op,
		"member":      memberID,
		"member_type": memberType,
	}); err != nil {
		return PropagationResult{}, err
	}
	result, err := e.propagateTx(ctx, tx, groupID, actorID)
	if err != nil {
		return PropagationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PropagationResult{}, err
	}
	return result, nil
}

// PropagateMembershipChange resynchronizes action items for every pending
// request addressed to the named group or role. For a group the pass covers
// every transitive ancestor; for a role it rebuilds the user child requests
// under each pending role root. Idempotent; request status is never touched
// except to activate a request whose recipient newly resolves. A membership
// cycle aborts the whole pass.
func (e Engine) PropagateMembershipChange(ctx context.Context, id, actorID string) (PropagationResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PropagationResult{}, err
	}
	defer tx.Rollback()
	exists, err := e.Identity.GroupExistsTx(ctx, tx, id)
	if err != nil {
		return PropagationResult{}, err
	}
	var result PropagationResult
	switch {
	case exists:
		result, err = e.propagateTx(ctx, tx, id, actorID)
	case e.knownRole(id):
		result, err = e.propagateRoleTx(ctx, tx, id, actorID)
	default:
		return PropagationResult{}, identity.ErrNotFound
	}
	if err != nil {
		return PropagationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PropagationResult{}, err
	}
	return result, nil
}

func (e Engine) knownRole(name string) bool {
	if e.Config == nil {
		return false
	}
	_, ok := e.Config.Roles.Catalog[name]
	return ok
}

func (e Engine) propagateTx(ctx context.Context, tx *sql.Tx, groupID, actorID string) (PropagationResult, error) {
	var result PropagationResult
	ancestors, err := e.Identity.AncestorGroups(ctx, tx, groupID)
	if err != nil {
		return result, err
	}
	result.Groups = append([]string{groupID}, ancestors...)
	for _, g := range result.Groups {
		members, err := e.Identity.ResolveMembers(ctx, tx, g)
		if err != nil {
			return result, err
		}
		requests, err := e.Repo.ListPendingRequestsByGroupTx(ctx, tx, g)
		if err != nil {
			return result, err
		}
		for _, req := range requests {
			added, removed, err := e.resyncRequestItems(ctx, tx, req, members, actorID)
			if err != nil {
				return result, err
			}
			result.ItemsAdded += added
			result.ItemsRemoved += removed
		}
	}
	if err := e.Events.Append(ctx, tx, "group.membership.propagated", "", "group", groupID, actorID, events.EventPayload{
		"groups":        result.Groups,
		"items_added":   result.ItemsAdded,
		"items_removed": result.ItemsRemoved,
	}); err != nil {
		return result, err
	}
	return result, nil
}

// propagateRoleTx resynchronizes the user child requests under every pending
// role-rooted request with the role's current resolution.
func (e Engine) propagateRoleTx(ctx context.Context, tx *sql.Tx, roleName, actorID string) (PropagationResult, error) {
	result := PropagationResult{Roles: []string{roleName}}
	roots, err := e.Repo.ListPendingRoleRequestsTx(ctx, tx, roleName)
	if err != nil {
		return result, err
	}
	for _, root := range roots {
		added, removed, err := e.resyncRoleChildren(ctx, tx, root, actorID)
		if err != nil {
			return result, err
		}
		result.ItemsAdded += added
		result.ItemsRemoved += removed
	}
	if err := e.Events.Append(ctx, tx, "role.membership.propagated", "", "role", roleName, actorID, events.EventPayload{
		"items_added":   result.ItemsAdded,
		"items_removed": result.ItemsRemoved,
	}); err != nil {
		return result, err
	}
	return result, nil
}

// resyncRoleChildren rebuilds one role root's user children against the
// resolver. A departed member's child lineage goes done with its items; a new
// member gains a child request and item. An initialized root whose role now
// resolves is activated.
func (e Engine) resyncRoleChildren(ctx context.Context, tx *sql.Tx, root domain.ActionRequest, actorID string) (int, int, error) {
	if e.Roles == nil || root.RoleName == nil {
		return 0, 0, nil
	}
	doc, err := e.Repo.GetDocumentTx(ctx, tx, root.DocumentID)
	if err != nil {
		return 0, 0, err
	}
	policy, err := e.effectivePolicyTx(ctx, tx, doc.DocType)
	if err != nil {
		return 0, 0, err
	}
	qualifier := ""
	if root.Qualifier != nil {
		qualifier = *root.Qualifier
	}
	members, err := e.Roles.ResolveRole(ctx, *root.RoleName, doc.DocType, qualifier)
	if err != nil {
		return 0, 0, err
	}
	// principal -> action the child should request, fyi for initiator splits
	desired := map[string]string{}
	for _, member := range members {
		disp, err := e.memberDisposition(ctx, tx, doc, policy, member.PrincipalID, root.ActionRequested, root.ForceAction)
		if err != nil {
			return 0, 0, err
		}
		switch disp {
		case memberSkipped, memberSuppressed:
		case memberFYI:
			desired[member.PrincipalID] = domain.ActionFYI
		default:
			desired[member.PrincipalID] = root.ActionRequested
		}
	}
	children, err := e.Repo.ListChildRequestsTx(ctx, tx, root.ID)
	if err != nil {
		return 0, 0, err
	}
	present := map[string]bool{}
	added, removed := 0, 0
	for _, child := range children {
		if !child.Pending() || !child.IsUserRequest() || child.DelegationType != domain.DelegationNone || child.PrincipalID == nil {
			continue
		}
		principal := *child.PrincipalID
		present[principal] = true
		if _, ok := desired[principal]; ok {
			continue
		}
		if err := e.markLineageDone(ctx, tx, child, ""); err != nil {
			return 0, 0, err
		}
		removed++
	}
	for _, member := range members {
		action, ok := desired[member.PrincipalID]
		if !ok || present[member.PrincipalID] {
			continue
		}
		child := root
		child.ID = uuid.New().String()
		child.ParentID = &root.ID
		child.RecipientType = domain.RecipientUser
		principal := member.PrincipalID
		child.PrincipalID = &principal
		child.RoleName = nil
		child.ActionRequested = action
		child.Status = domain.RequestActivated
		child.Qualifier = nil
		if member.Qualifier != "" {
			q := member.Qualifier
			child.Qualifier = &q
		}
		child.CreatedAt = e.nowRFC3339()
		if err := e.Repo.InsertActionRequest(ctx, tx, child); err != nil {
			return 0, 0, err
		}
		if err := e.insertItem(ctx, tx, child, principal, nil); err != nil {
			return 0, 0, err
		}
		if err := e.appendRequestCreated(ctx, tx, child, actorID); err != nil {
			return 0, 0, err
		}
		added++
	}
	if root.Status == domain.RequestInitialized && len(desired) > 0 {
		if err := e.Repo.ActivateRequestTx(ctx, tx, root.ID); err != nil {
			return 0, 0, err
		}
		if err := e.Events.Append(ctx, tx, "request.activated", root.DocumentID, "request", root.ID, actorID, events.EventPayload{
			"recipient_type": root.RecipientType,
		}); err != nil {
			return 0, 0, err
		}
	}
	return added, removed, nil
}

// resyncRequestItems brings one request's items in line with current
// membership. An initialized request whose recipient now resolves is
// activated; a request left with no items stays pending so a later change
// can repopulate it.
func (e Engine) resyncRequestItems(ctx context.Context, tx *sql.Tx, req domain.ActionRequest, members []string, actorID string) (int, int, error) {
	doc, err := e.Repo.GetDocumentTx(ctx, tx, req.DocumentID)
	if err != nil {
		return 0, 0, err
	}
	policy, err := e.effectivePolicyTx(ctx, tx, doc.DocType)
	if err != nil {
		return 0, 0, err
	}
	var delegator *string
	if req.ParentID != nil && req.DelegationType != domain.DelegationNone {
		parent, err := e.Repo.GetActionRequestTx(ctx, tx, *req.ParentID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return 0, 0, err
		}
		if err == nil && parent.IsUserRequest() {
			delegator = parent.PrincipalID
		}
	}
	desired := map[string]bool{}
	for _, member := range members {
		disp, err := e.memberDisposition(ctx, tx, doc, policy, member, req.ActionRequested, req.ForceAction)
		if err != nil {
			return 0, 0, err
		}
		if disp == memberEligible {
			desired[member] = true
		}
	}
	if req.Status == domain.RequestInitialized && len(desired) > 0 {
		if err := e.Repo.ActivateRequestTx(ctx, tx, req.ID); err != nil {
			return 0, 0, err
		}
		if err := e.Events.Append(ctx, tx, "request.activated", req.DocumentID, "request", req.ID, actorID, events.EventPayload{
			"recipient_type": req.RecipientType,
		}); err != nil {
			return 0, 0, err
		}
	}
	existing, err := e.Repo.ListActionItemsByRequestTx(ctx, tx, req.ID)
	if err != nil {
		return 0, 0, err
	}
	present := map[string]bool{}
	added, removed := 0, 0
	for _, item := range existing {
		present[item.PrincipalID] = true
		if !desired[item.PrincipalID] {
			if err := e.Repo.DeleteActionItemTx(ctx, tx, req.ID, item.PrincipalID); err != nil {
				return 0, 0, err
			}
			removed++
		}
	}
	for member := range desired {
		if present[member] {
			continue
		}
		if err := e.insertItem(ctx, tx, req, member, delegator); err != nil {
			return 0, 0, err
		}
		added++
	}
	return added, removed, nil
}
