package server

import (
	"docflow/internal/domain"
	"docflow/internal/engine"
)

type CreateDocumentRequest struct {
	ID        string `json:"id,omitempty"`
	DocType   string `json:"doc_type"`
	Title     string `json:"title"`
	Initiator string `json:"initiator,omitempty"`
	RouteNode string `json:"route_node,omitempty"`
}

type DocumentResponse struct {
	ID          string `json:"id"`
	DocType     string `json:"doc_type"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	InitiatorID string `json:"initiator_id"`
	RouteNode   string `json:"route_node,omitempty"`
	RouteLevel  int    `json:"route_level"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:          d.ID,
		DocType:     d.DocType,
		Title:       d.Title,
		Status:      d.Status,
		InitiatorID: d.InitiatorID,
		RouteNode:   d.RouteNode,
		RouteLevel:  d.RouteLevel,
		Version:     d.Version,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func mapDocuments(in []domain.Document) []DocumentResponse {
	out := make([]DocumentResponse, 0, len(in))
	for _, d := range in {
		out = append(out, documentResponse(d))
	}
	return out
}

type DelegateSpecDTO struct {
	Principal      string `json:"principal,omitempty"`
	Group          string `json:"group,omitempty"`
	DelegationType string `json:"delegation_type" enum:"primary,secondary"`
}

type RequestSpecDTO struct {
	Action         string            `json:"action" enum:"fyi,acknowledge,approve,complete"`
	RecipientType  string            `json:"recipient_type" enum:"user,group,role"`
	Principal      string            `json:"principal,omitempty"`
	Group          string            `json:"group,omitempty"`
	Role           string            `json:"role,omitempty"`
	Qualifier      string            `json:"qualifier,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Responsibility string            `json:"responsibility,omitempty"`
	ForceAction    bool              `json:"force_action,omitempty"`
	ApprovePolicy  string            `json:"approve_policy,omitempty" enum:",first,all"`
	Annotation     string            `json:"annotation,omitempty"`
	Delegates      []DelegateSpecDTO `json:"delegates,omitempty"`
}

func (s RequestSpecDTO) toSpec() engine.RequestSpec {
	spec := engine.RequestSpec{
		ActionRequested:  s.Action,
		RecipientType:    s.RecipientType,
		PrincipalID:      s.Principal,
		GroupID:          s.Group,
		RoleName:         s.Role,
		Qualifier:        s.Qualifier,
		Priority:         s.Priority,
		ResponsibilityID: s.Responsibility,
		ForceAction:      s.ForceAction,
		ApprovePolicy:    s.ApprovePolicy,
		Annotation:       s.Annotation,
	}
	for _, d := range s.Delegates {
		spec.Delegates = append(spec.Delegates, engine.DelegateSpec{
			PrincipalID:    d.Principal,
			GroupID:        d.Group,
			DelegationType: d.DelegationType,
		})
	}
	return spec
}

type ResolveRequestsRequest struct {
	RouteNode string           `json:"route_node,omitempty"`
	Requests  []RequestSpecDTO `json:"requests"`
}

type ActionRequestResponse struct {
	ID               string  `json:"id"`
	DocumentID       string  `json:"document_id"`
	ParentID         *string `json:"parent_id,omitempty"`
	Action           string  `json:"action"`
	Status           string  `json:"status"`
	RecipientType    string  `json:"recipient_type"`
	Principal        *string `json:"principal,omitempty"`
	Group            *string `json:"group,omitempty"`
	Role             *string `json:"role,omitempty"`
	Qualifier        *string `json:"qualifier,omitempty"`
	DelegationType   string  `json:"delegation_type"`
	Responsibility   string  `json:"responsibility,omitempty"`
	Priority         int     `json:"priority"`
	RouteNode        string  `json:"route_node,omitempty"`
	RouteLevel       int     `json:"route_level"`
	ForceAction      bool    `json:"force_action"`
	ApprovePolicy    string  `json:"approve_policy"`
	CurrentIndicator bool    `json:"current"`
	Annotation       string  `json:"annotation,omitempty"`
	ActionTakenID    *string `json:"action_taken_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func requestResponse(r domain.ActionRequest) ActionRequestResponse {
	return ActionRequestResponse{
		ID:               r.ID,
		DocumentID:       r.DocumentID,
		ParentID:         r.ParentID,
		Action:           r.ActionRequested,
		Status:           r.Status,
		RecipientType:    r.RecipientType,
		Principal:        r.PrincipalID,
		Group:            r.GroupID,
		Role:             r.RoleName,
		Qualifier:        r.Qualifier,
		DelegationType:   r.DelegationType,
		Responsibility:   r.ResponsibilityID,
		Priority:         r.Priority,
		RouteNode:        r.RouteNode,
		RouteLevel:       r.RouteLevel,
		ForceAction:      r.ForceAction,
		ApprovePolicy:    r.ApprovePolicy,
		CurrentIndicator: r.CurrentIndicator,
		Annotation:       r.Annotation,
		ActionTakenID:    r.ActionTakenID,
		CreatedAt:        r.CreatedAt,
	}
}

func mapRequests(in []domain.ActionRequest) []ActionRequestResponse {
	out := make([]ActionRequestResponse, 0, len(in))
	for _, r := range in {
		out = append(out, requestResponse(r))
	}
	return out
}

type AnomalyResponse struct {
	RequestID     string `json:"request_id"`
	RecipientType string `json:"recipient_type"`
	Recipient     string `json:"recipient"`
	Message       string `json:"message"`
}

type ResolveRequestsResponse struct {
	Requests  []ActionRequestResponse `json:"requests"`
	Anomalies []AnomalyResponse       `json:"anomalies,omitempty"`
}

func resolveResponse(result engine.ResolveResult) ResolveRequestsResponse {
	resp := ResolveRequestsResponse{Requests: mapRequests(result.Requests)}
	for _, a := range result.Anomalies {
		resp.Anomalies = append(resp.Anomalies, AnomalyResponse{
			RequestID:     a.RequestID,
			RecipientType: a.RecipientType,
			Recipient:     a.Recipient,
			Message:       a.Error(),
		})
	}
	return resp
}

type TakeActionRequest struct {
	Principal  string `json:"principal,omitempty"`
	Action     string `json:"action" enum:"fyi,acknowledge,approve,complete,disapprove,blanket_approve"`
	Annotation string `json:"annotation,omitempty"`
}

type ActionTakenResponse struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Principal  string `json:"principal"`
	Action     string `json:"action"`
	Annotation string `json:"annotation,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func actionTakenResponse(a domain.ActionTaken) ActionTakenResponse {
	return ActionTakenResponse{
		ID:         a.ID,
		DocumentID: a.DocumentID,
		Principal:  a.PrincipalID,
		Action:     a.ActionCode,
		Annotation: a.Annotation,
		CreatedAt:  a.CreatedAt,
	}
}

func mapActionsTaken(in []domain.ActionTaken) []ActionTakenResponse {
	out := make([]ActionTakenResponse, 0, len(in))
	for _, a := range in {
		out = append(out, actionTakenResponse(a))
	}
	return out
}

type ActionItemResponse struct {
	ID              string  `json:"id"`
	DocumentID      string  `json:"document_id"`
	ActionRequestID string  `json:"action_request_id"`
	Principal       string  `json:"principal"`
	Action          string  `json:"action"`
	Delegator       *string `json:"delegator,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func itemResponse(i domain.ActionItem) ActionItemResponse {
	return ActionItemResponse{
		ID:              i.ID,
		DocumentID:      i.DocumentID,
		ActionRequestID: i.ActionRequestID,
		Principal:       i.PrincipalID,
		Action:          i.ActionRequested,
		Delegator:       i.DelegatorID,
		CreatedAt:       i.CreatedAt,
	}
}

func mapItems(in []domain.ActionItem) []ActionItemResponse {
	out := make([]ActionItemResponse, 0, len(in))
	for _, i := range in {
		out = append(out, itemResponse(i))
	}
	return out
}

type ActionListEntryResponse struct {
	Item  ActionItemResponse `json:"item"`
	Paths int                `json:"paths"`
}

func mapActionList(in []engine.ActionListEntry) []ActionListEntryResponse {
	out := make([]ActionListEntryResponse, 0, len(in))
	for _, e := range in {
		out = append(out, ActionListEntryResponse{Item: itemResponse(e.Item), Paths: e.Paths})
	}
	return out
}

type CreateGroupRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type GroupResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at"`
}

func groupResponse(g domain.Group) GroupResponse {
	return GroupResponse{ID: g.ID, Name: g.Name, Version: g.Version, CreatedAt: g.CreatedAt}
}

func mapGroups(in []domain.Group) []GroupResponse {
	out := make([]GroupResponse, 0, len(in))
	for _, g := range in {
		out = append(out, groupResponse(g))
	}
	return out
}

type MembershipRequest struct {
	MemberID   string `json:"member_id"`
	MemberType string `json:"member_type" enum:"principal,group"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			DocumentID: e.DocumentID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
