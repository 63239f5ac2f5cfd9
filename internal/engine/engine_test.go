package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"docflow/internal/authz"
	"docflow/internal/config"
	"docflow/internal/db"
	"docflow/internal/domain"
	"docflow/internal/engine"
	"docflow/internal/identity"
	"docflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createDoc(t *testing.T, docType, initiator string) domain.Document {
	t.Helper()
	doc, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		DocType:     docType,
		Title:       "test document",
		InitiatorID: initiator,
		RouteNode:   "Review",
		ActorID:     initiator,
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func (env testEnv) resolve(t *testing.T, docID string, specs ...engine.RequestSpec) engine.ResolveResult {
	t.Helper()
	result, err := env.Engine.ResolveRequests(env.Ctx, docID, "", specs, "router")
	if err != nil {
		t.Fatalf("resolve requests: %v", err)
	}
	return result
}

func (env testEnv) makeGroup(t *testing.T, id string, members ...string) {
	t.Helper()
	if _, err := env.Engine.CreateGroup(env.Ctx, id, id, "admin"); err != nil {
		t.Fatalf("create group %s: %v", id, err)
	}
	for _, m := range members {
		if _, err := env.Engine.AddGroupMember(env.Ctx, id, m, domain.MemberTypePrincipal, "admin"); err != nil {
			t.Fatalf("add member %s: %v", m, err)
		}
	}
}

func (env testEnv) take(t *testing.T, docID, principal, action string) domain.ActionTaken {
	t.Helper()
	taken, err := env.Engine.RecordActionTaken(env.Ctx, engine.ActionOptions{
		DocumentID:  docID,
		PrincipalID: principal,
		ActionCode:  action,
		ActorID:     principal,
	})
	if err != nil {
		t.Fatalf("%s takes %s: %v", principal, action, err)
	}
	return taken
}

func (env testEnv) items(t *testing.T, principal string) []domain.ActionItem {
	t.Helper()
	items, err := env.Engine.PendingActionItems(env.Ctx, principal, "")
	if err != nil {
		t.Fatalf("pending items for %s: %v", principal, err)
	}
	return items
}

func userSpec(principal string) engine.RequestSpec {
	return engine.RequestSpec{
		ActionRequested: domain.ActionApprove,
		RecipientType:   domain.RecipientUser,
		PrincipalID:     principal,
	}
}

func groupSpec(group string) engine.RequestSpec {
	return engine.RequestSpec{
		ActionRequested: domain.ActionApprove,
		RecipientType:   domain.RecipientGroup,
		GroupID:         group,
	}
}

func TestApproveSatisfiesUserRequest(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	result := env.resolve(t, doc.ID, userSpec("alice"))
	if len(result.Requests) != 1 || result.Requests[0].Status != domain.RequestActivated {
		t.Fatalf("expected one activated request, got %+v", result.Requests)
	}
	if len(env.items(t, "alice")) != 1 {
		t.Fatalf("expected one item for alice")
	}

	env.take(t, doc.ID, "alice", domain.ActionApprove)

	req, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.RequestDone {
		t.Fatalf("request status = %s, want done", req.Status)
	}
	if req.ActionTakenID == nil {
		t.Fatalf("satisfied request must point at the action taken")
	}
	if len(env.items(t, "alice")) != 0 {
		t.Fatalf("alice should have no items left")
	}
}

func TestActionBelowRequestedRankIsRejected(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, userSpec("alice"))

	_, err := env.Engine.RecordActionTaken(env.Ctx, engine.ActionOptions{
		DocumentID:  doc.ID,
		PrincipalID: "alice",
		ActionCode:  domain.ActionAcknowledge,
		ActorID:     "alice",
	})
	var authErr authz.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestGroupFirstPolicyLeavesNoOrphanItems(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "reviewers", "u1", "u2", "u3")
	doc := env.createDoc(t, "memo", "init")
	result := env.resolve(t, doc.ID, groupSpec("reviewers"))

	env.take(t, doc.ID, "u2", domain.ActionApprove)

	req, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.RequestDone {
		t.Fatalf("group request should be done after the first member acts")
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		if n := len(env.items(t, u)); n != 0 {
			t.Fatalf("%s still has %d items after first-member satisfaction", u, n)
		}
	}
}

func TestGroupAllPolicyWaitsForEveryMember(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "auditors", "u1", "u2")
	doc := env.createDoc(t, "travel-request", "init")
	result := env.resolve(t, doc.ID, groupSpec("auditors"))

	env.take(t, doc.ID, "u1", domain.ActionApprove)
	req, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.RequestActivated {
		t.Fatalf("request should stay pending until every member acts")
	}
	if len(env.items(t, "u2")) != 1 {
		t.Fatalf("u2's item must survive u1's approval")
	}

	env.take(t, doc.ID, "u2", domain.ActionApprove)
	req, err = env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.RequestDone {
		t.Fatalf("request should be done once the last member acts")
	}
}

func TestDisapproveAcknowledgesPriorApproversOnly(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, userSpec("alice"), userSpec("bob"), userSpec("carol"))

	env.take(t, doc.ID, "alice", domain.ActionApprove)
	env.take(t, doc.ID, "bob", domain.ActionDisapprove)

	got, err := env.Engine.Repo.GetDocument(env.Ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.Status != domain.DocumentDisapproved {
		t.Fatalf("document status = %s, want disapproved", got.Status)
	}

	// Exactly the prior approvers get acknowledge items, minus the disapprover.
	aliceItems := env.items(t, "alice")
	if len(aliceItems) != 1 || aliceItems[0].ActionRequested != domain.ActionAcknowledge {
		t.Fatalf("alice should hold exactly one acknowledge item, got %+v", aliceItems)
	}
	if n := len(env.items(t, "bob")); n != 0 {
		t.Fatalf("the disapprover should hold no items, got %d", n)
	}
	if n := len(env.items(t, "carol")); n != 0 {
		t.Fatalf("carol never approved and should hold no items, got %d", n)
	}
}

func TestActionOnSettledDocumentIsRejected(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, userSpec("alice"))
	env.take(t, doc.ID, "alice", domain.ActionDisapprove)

	_, err := env.Engine.RecordActionTaken(env.Ctx, engine.ActionOptions{
		DocumentID:  doc.ID,
		PrincipalID: "alice",
		ActionCode:  domain.ActionApprove,
		ActorID:     "alice",
	})
	var stateErr engine.DocumentStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected document state error, got %v", err)
	}
	_, err = env.Engine.ResolveRequests(env.Ctx, doc.ID, "", []engine.RequestSpec{userSpec("bob")}, "router")
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected document state error on resolve, got %v", err)
	}
}

func TestAcknowledgeAfterDisapprovalClearsItem(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, userSpec("alice"), userSpec("bob"))

	env.take(t, doc.ID, "alice", domain.ActionApprove)
	env.take(t, doc.ID, "bob", domain.ActionDisapprove)

	// The acknowledge request minted by the disapproval must stay actionable
	// even though the document is settled.
	env.take(t, doc.ID, "alice", domain.ActionAcknowledge)
	if n := len(env.items(t, "alice")); n != 0 {
		t.Fatalf("alice's acknowledge item should be cleared, got %d", n)
	}

	actions, err := env.Engine.Repo.ListActionsTaken(env.Ctx, doc.ID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	last := actions[len(actions)-1]
	if last.ActionCode != domain.ActionAcknowledge || last.PrincipalID != "alice" {
		t.Fatalf("route log should end with alice's acknowledge, got %+v", last)
	}
}

func TestRolePropagationResyncsMembers(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Roles.Catalog["fiscal-officer"] = config.RoleDef{Members: []string{"f1", "f2"}}
	doc := env.createDoc(t, "purchase-order", "init")
	env.resolve(t, doc.ID, engine.RequestSpec{
		ActionRequested: domain.ActionApprove,
		RecipientType:   domain.RecipientRole,
		RoleName:        "fiscal-officer",
	})
	if len(env.items(t, "f1")) != 1 || len(env.items(t, "f2")) != 1 {
		t.Fatalf("both role members should hold items")
	}

	// The role now resolves to f2 and f3; propagation must swap f1 for f3.
	env.Engine.Config.Roles.Catalog["fiscal-officer"] = config.RoleDef{Members: []string{"f2", "f3"}}
	result, err := env.Engine.PropagateMembershipChange(env.Ctx, "fiscal-officer", "admin")
	if err != nil {
		t.Fatalf("propagate role: %v", err)
	}
	if result.ItemsAdded != 1 || result.ItemsRemoved != 1 {
		t.Fatalf("propagation = %+v, want one added and one removed", result)
	}
	if n := len(env.items(t, "f1")); n != 0 {
		t.Fatalf("f1 left the role and should hold no items, got %d", n)
	}
	if n := len(env.items(t, "f2")); n != 1 {
		t.Fatalf("f2's item must survive, got %d", n)
	}
	if n := len(env.items(t, "f3")); n != 1 {
		t.Fatalf("f3 should now hold an item, got %d", n)
	}

	// f3's fresh obligation is satisfiable like any other.
	env.take(t, doc.ID, "f3", domain.ActionApprove)
	if n := len(env.items(t, "f2")); n != 0 {
		t.Fatalf("first-policy role root should settle, got %d items for f2", n)
	}

	again, err := env.Engine.PropagateMembershipChange(env.Ctx, "fiscal-officer", "admin")
	if err != nil {
		t.Fatalf("propagate again: %v", err)
	}
	if again.ItemsAdded != 0 || again.ItemsRemoved != 0 {
		t.Fatalf("repeat propagation changed items: %+v", again)
	}
}

func TestRolePropagationActivatesUnresolvedRoot(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	result := env.resolve(t, doc.ID, engine.RequestSpec{
		ActionRequested: domain.ActionApprove,
		RecipientType:   domain.RecipientRole,
		RoleName:        "department-head",
	})
	if result.Requests[0].Status != domain.RequestInitialized {
		t.Fatalf("empty role should leave the root initialized, got %s", result.Requests[0].Status)
	}

	env.Engine.Config.Roles.Catalog["department-head"] = config.RoleDef{Members: []string{"dh1"}}
	if _, err := env.Engine.PropagateMembershipChange(env.Ctx, "department-head", "admin"); err != nil {
		t.Fatalf("propagate role: %v", err)
	}
	root, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Status != domain.RequestActivated {
		t.Fatalf("root should activate once the role resolves, got %s", root.Status)
	}
	if n := len(env.items(t, "dh1")); n != 1 {
		t.Fatalf("dh1 should hold the item, got %d", n)
	}
}

func TestBlanketApproveOverridesAllPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "auditors", "u1", "u2")
	doc := env.createDoc(t, "travel-request", "init")
	result := env.resolve(t, doc.ID, groupSpec("auditors"))

	env.take(t, doc.ID, "init", domain.ActionBlanketApprove)

	req, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.RequestDone {
		t.Fatalf("blanket approve should settle the whole group request")
	}
	for _, u := range []string{"u1", "u2"} {
		if n := len(env.items(t, u)); n != 0 {
			t.Fatalf("%s still has %d items after blanket approve", u, n)
		}
	}
}

func TestForceActionSuppression(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	first := env.resolve(t, doc.ID, userSpec("alice"))
	env.take(t, doc.ID, "alice", domain.ActionApprove)
	_ = first

	// A second approve request without force-action is born satisfied.
	second := env.resolve(t, doc.ID, userSpec("alice"))
	if second.Requests[0].Status != domain.RequestDone {
		t.Fatalf("repeat request should be suppressed, got %s", second.Requests[0].Status)
	}
	if n := len(env.items(t, "alice")); n != 0 {
		t.Fatalf("suppressed request must not create items, got %d", n)
	}

	forced := userSpec("alice")
	forced.ForceAction = true
	third := env.resolve(t, doc.ID, forced)
	if third.Requests[0].Status != domain.RequestActivated {
		t.Fatalf("force-action request should activate, got %s", third.Requests[0].Status)
	}
	if n := len(env.items(t, "alice")); n != 1 {
		t.Fatalf("force-action request should create an item, got %d", n)
	}
}

func TestInitiatorFYIPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "fiscal", "init", "u1")
	doc := env.createDoc(t, "purchase-order", "init")
	env.resolve(t, doc.ID, groupSpec("fiscal"))

	initItems := env.items(t, "init")
	if len(initItems) != 1 || initItems[0].ActionRequested != domain.ActionFYI {
		t.Fatalf("initiator should get a single fyi item, got %+v", initItems)
	}
	u1Items := env.items(t, "u1")
	if len(u1Items) != 1 || u1Items[0].ActionRequested != domain.ActionApprove {
		t.Fatalf("u1 should get a single approve item, got %+v", u1Items)
	}

	// Clearing the initiator's fyi must not satisfy the approve request.
	env.take(t, doc.ID, "init", domain.ActionFYI)
	if n := len(env.items(t, "u1")); n != 1 {
		t.Fatalf("approve item must survive the initiator's fyi, got %d", n)
	}
}

func TestInitiatorSkipPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "auditors", "init", "u1")
	doc := env.createDoc(t, "travel-request", "init")
	env.resolve(t, doc.ID, groupSpec("auditors"))

	if n := len(env.items(t, "init")); n != 0 {
		t.Fatalf("skipped initiator should hold no items, got %d", n)
	}
	// The ALL policy counts only the members who actually got items.
	env.take(t, doc.ID, "u1", domain.ActionApprove)
	if n := len(env.items(t, "u1")); n != 0 {
		t.Fatalf("u1's item should be gone, got %d", n)
	}
}

func TestUnresolvableGroupIsSoftAndLaterActivates(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "empty-desk")
	doc := env.createDoc(t, "memo", "init")
	result := env.resolve(t, doc.ID, groupSpec("empty-desk"))

	if len(result.Anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(result.Anomalies))
	}
	if result.Requests[0].Status != domain.RequestInitialized {
		t.Fatalf("unresolvable request should stay initialized, got %s", result.Requests[0].Status)
	}

	// Membership arriving later activates the request and mints the item.
	if _, err := env.Engine.AddGroupMember(env.Ctx, "empty-desk", "u9", domain.MemberTypePrincipal, "admin"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	req, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != domain.RequestActivated {
		t.Fatalf("request should activate once the group resolves, got %s", req.Status)
	}
	if n := len(env.items(t, "u9")); n != 1 {
		t.Fatalf("u9 should now hold the item, got %d", n)
	}
}

func TestNestedGroupPropagation(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "inner", "u2")
	env.makeGroup(t, "outer", "u1")
	if _, err := env.Engine.AddGroupMember(env.Ctx, "outer", "inner", domain.MemberTypeGroup, "admin"); err != nil {
		t.Fatalf("nest group: %v", err)
	}
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, groupSpec("outer"))

	if len(env.items(t, "u1")) != 1 || len(env.items(t, "u2")) != 1 {
		t.Fatalf("both direct and nested members should hold items")
	}

	// Removing the nested member must reach requests addressed to the ancestor.
	if _, err := env.Engine.RemoveGroupMember(env.Ctx, "inner", "u2", domain.MemberTypePrincipal, "admin"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if n := len(env.items(t, "u2")); n != 0 {
		t.Fatalf("u2's item should be removed by propagation, got %d", n)
	}
	if n := len(env.items(t, "u1")); n != 1 {
		t.Fatalf("u1's item must be untouched, got %d", n)
	}
}

func TestPropagationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "reviewers", "u1", "u2")
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, groupSpec("reviewers"))

	first, err := env.Engine.PropagateMembershipChange(env.Ctx, "reviewers", "admin")
	if err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if first.ItemsAdded != 0 || first.ItemsRemoved != 0 {
		t.Fatalf("no-op propagation changed items: %+v", first)
	}
	second, err := env.Engine.PropagateMembershipChange(env.Ctx, "reviewers", "admin")
	if err != nil {
		t.Fatalf("propagate again: %v", err)
	}
	if second.ItemsAdded != 0 || second.ItemsRemoved != 0 {
		t.Fatalf("repeated propagation changed items: %+v", second)
	}
}

func TestMembershipCycleIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "a")
	env.makeGroup(t, "b")
	if _, err := env.Engine.AddGroupMember(env.Ctx, "a", "b", domain.MemberTypeGroup, "admin"); err != nil {
		t.Fatalf("add b to a: %v", err)
	}
	_, err := env.Engine.AddGroupMember(env.Ctx, "b", "a", domain.MemberTypeGroup, "admin")
	var cycleErr identity.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestRoleRecipientExpandsToMembers(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Roles.Catalog["fiscal-officer"] = config.RoleDef{Members: []string{"f1", "f2"}}
	doc := env.createDoc(t, "purchase-order", "init")
	result := env.resolve(t, doc.ID, engine.RequestSpec{
		ActionRequested: domain.ActionApprove,
		RecipientType:   domain.RecipientRole,
		RoleName:        "fiscal-officer",
		Qualifier:       "chart=BL",
	})

	// One role root plus one user child per member.
	if len(result.Requests) != 3 {
		t.Fatalf("expected root plus two children, got %d requests", len(result.Requests))
	}
	if len(env.items(t, "f1")) != 1 || len(env.items(t, "f2")) != 1 {
		t.Fatalf("each role member should hold an item")
	}

	env.take(t, doc.ID, "f1", domain.ActionApprove)
	root, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Status != domain.RequestDone {
		t.Fatalf("role root should settle under the first policy, got %s", root.Status)
	}
	if n := len(env.items(t, "f2")); n != 0 {
		t.Fatalf("f2's item should be cleared, got %d", n)
	}
}

func TestUnresolvableRoleIsSoft(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	result := env.resolve(t, doc.ID,
		engine.RequestSpec{
			ActionRequested: domain.ActionApprove,
			RecipientType:   domain.RecipientRole,
			RoleName:        "department-head",
		},
		userSpec("alice"),
	)
	if len(result.Anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(result.Anomalies))
	}
	// The rest of the batch still resolves.
	if len(env.items(t, "alice")) != 1 {
		t.Fatalf("alice's request should resolve despite the role anomaly")
	}
}

func TestPrimaryDelegateSupersedesDelegator(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	spec := userSpec("alice")
	spec.Delegates = []engine.DelegateSpec{{PrincipalID: "deputy", DelegationType: domain.DelegationPrimary}}
	result := env.resolve(t, doc.ID, spec)

	deputyItems := env.items(t, "deputy")
	if len(deputyItems) != 1 {
		t.Fatalf("deputy should hold one item")
	}
	if deputyItems[0].DelegatorID == nil || *deputyItems[0].DelegatorID != "alice" {
		t.Fatalf("deputy's item should name alice as delegator, got %+v", deputyItems[0])
	}

	env.take(t, doc.ID, "deputy", domain.ActionApprove)
	root, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Status != domain.RequestDone {
		t.Fatalf("primary delegate action should settle the delegator's request")
	}
	if n := len(env.items(t, "alice")); n != 0 {
		t.Fatalf("alice's item should be gone, got %d", n)
	}
}

func TestSecondaryDelegateLeavesDelegatorPending(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDoc(t, "memo", "init")
	spec := userSpec("alice")
	spec.Delegates = []engine.DelegateSpec{{PrincipalID: "watcher", DelegationType: domain.DelegationSecondary}}
	result := env.resolve(t, doc.ID, spec)

	env.take(t, doc.ID, "watcher", domain.ActionApprove)
	root, err := env.Engine.Repo.GetActionRequest(env.Ctx, result.Requests[0].ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.Status != domain.RequestActivated {
		t.Fatalf("secondary delegate action must not settle the delegator, got %s", root.Status)
	}
	if n := len(env.items(t, "alice")); n != 1 {
		t.Fatalf("alice's item must survive, got %d", n)
	}
}

func TestActionListConsolidatesPaths(t *testing.T) {
	env := newTestEnv(t)
	env.makeGroup(t, "reviewers", "alice", "bob")
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, userSpec("alice"), groupSpec("reviewers"))

	if n := len(env.items(t, "alice")); n != 2 {
		t.Fatalf("alice should have two raw items, got %d", n)
	}
	entries, err := env.Engine.ActionList(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("action list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("action list should collapse to one entry per document, got %d", len(entries))
	}
	if entries[0].Paths != 2 {
		t.Fatalf("entry should report both paths, got %d", entries[0].Paths)
	}
	// The direct user request outranks the group path on recipient type.
	req, err := env.Engine.Repo.GetActionRequest(env.Ctx, entries[0].Item.ActionRequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.RecipientType != domain.RecipientUser {
		t.Fatalf("authoritative item should come from the user request, got %s", req.RecipientType)
	}

	// One approve clears every path for the document.
	env.take(t, doc.ID, "alice", domain.ActionApprove)
	entries, err = env.Engine.ActionList(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("action list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("action list should be empty after approval, got %d", len(entries))
	}
}

func TestCompleteApproveSamePolicy(t *testing.T) {
	env := newTestEnv(t)
	// memo sets complete_approve_same: true, so a prior approve suppresses a
	// later complete request.
	doc := env.createDoc(t, "memo", "init")
	env.resolve(t, doc.ID, userSpec("alice"))
	env.take(t, doc.ID, "alice", domain.ActionApprove)

	complete := engine.RequestSpec{
		ActionRequested: domain.ActionComplete,
		RecipientType:   domain.RecipientUser,
		PrincipalID:     "alice",
	}
	result := env.resolve(t, doc.ID, complete)
	if result.Requests[0].Status != domain.RequestDone {
		t.Fatalf("complete request should be suppressed under complete_approve_same")
	}

	// travel-request keeps them distinct.
	doc2 := env.createDoc(t, "travel-request", "init")
	env.resolve(t, doc2.ID, userSpec("bob"))
	env.take(t, doc2.ID, "bob", domain.ActionApprove)
	complete.PrincipalID = "bob"
	result = env.resolve(t, doc2.ID, complete)
	if result.Requests[0].Status != domain.RequestActivated {
		t.Fatalf("complete outranks approve when the policy is off, got %s", result.Requests[0].Status)
	}
}
