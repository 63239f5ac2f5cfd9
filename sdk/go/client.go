package docflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Docflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Document is the routed document model.
type Document struct {
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

// ActionRequest is an obligation addressed to a user, group, or role.
type ActionRequest struct {
	ID             string  `json:"id"`
	DocumentID     string  `json:"document_id"`
	ParentID       *string `json:"parent_id,omitempty"`
	Action         string  `json:"action"`
	Status         string  `json:"status"`
	RecipientType  string  `json:"recipient_type"`
	Principal      *string `json:"principal,omitempty"`
	Group          *string `json:"group,omitempty"`
	Role           *string `json:"role,omitempty"`
	Qualifier      *string `json:"qualifier,omitempty"`
	DelegationType string  `json:"delegation_type"`
	Priority       int     `json:"priority"`
	RouteNode      string  `json:"route_node,omitempty"`
	ApprovePolicy  string  `json:"approve_policy"`
	Current        bool    `json:"current"`
	Annotation     string  `json:"annotation,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// ActionTaken is a route-log record.
type ActionTaken struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Principal  string `json:"principal"`
	Action     string `json:"action"`
	Annotation string `json:"annotation,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// ActionItem is a per-person inbox entry.
type ActionItem struct {
	ID              string  `json:"id"`
	DocumentID      string  `json:"document_id"`
	ActionRequestID string  `json:"action_request_id"`
	Principal       string  `json:"principal"`
	Action          string  `json:"action"`
	Delegator       *string `json:"delegator,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// ActionListEntry is one consolidated action-list row.
type ActionListEntry struct {
	Item  ActionItem `json:"item"`
	Paths int        `json:"paths"`
}

// Group is a membership container.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// RequestSpec describes one obligation to resolve.
type RequestSpec struct {
	Action         string         `json:"action"`
	RecipientType  string         `json:"recipient_type"`
	Principal      string         `json:"principal,omitempty"`
	Group          string         `json:"group,omitempty"`
	Role           string         `json:"role,omitempty"`
	Qualifier      string         `json:"qualifier,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Responsibility string         `json:"responsibility,omitempty"`
	ForceAction    bool           `json:"force_action,omitempty"`
	ApprovePolicy  string         `json:"approve_policy,omitempty"`
	Annotation     string         `json:"annotation,omitempty"`
	Delegates      []DelegateSpec `json:"delegates,omitempty"`
}

// DelegateSpec attaches a delegate to a request.
type DelegateSpec struct {
	Principal      string `json:"principal,omitempty"`
	Group          string `json:"group,omitempty"`
	DelegationType string `json:"delegation_type"`
}

// Anomaly reports a recipient that resolved to nobody.
type Anomaly struct {
	RequestID     string `json:"request_id"`
	RecipientType string `json:"recipient_type"`
	Recipient     string `json:"recipient"`
	Message       string `json:"message"`
}

// ResolveResult pairs created requests with soft anomalies.
type ResolveResult struct {
	Requests  []ActionRequest `json:"requests"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
}

// RouteLog pairs the actions taken with the document's events.
type RouteLog struct {
	Actions []ActionTaken `json:"actions"`
	Events  []Event       `json:"events"`
}

// PropagationResult summarizes an action-item resync.
type PropagationResult struct {
	Groups       []string `json:"groups,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	ItemsAdded   int      `json:"items_added"`
	ItemsRemoved int      `json:"items_removed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDocument creates a document and starts routing it.
func (c *Client) CreateDocument(ctx context.Context, docType, title, initiator string) (Document, error) {
	body := map[string]any{
		"doc_type":  docType,
		"title":     title,
		"initiator": initiator,
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "documents", body, &resp)
	return resp, err
}

// GetDocument fetches a document by id.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, "documents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDocuments returns recent documents.
func (c *Client) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	endpoint := "documents"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Document
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DocumentLog returns the route log for a document.
func (c *Client) DocumentLog(ctx context.Context, id string) (RouteLog, error) {
	var resp RouteLog
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("documents/%s/log", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ResolveRequests resolves a batch of obligations on a document.
func (c *Client) ResolveRequests(ctx context.Context, documentID, routeNode string, specs []RequestSpec) (ResolveResult, error) {
	body := map[string]any{
		"route_node": routeNode,
		"requests":   specs,
	}
	var resp ResolveResult
	endpoint := fmt.Sprintf("documents/%s/requests", url.PathEscape(documentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListRequests returns the current request forest for a document.
func (c *Client) ListRequests(ctx context.Context, documentID string) ([]ActionRequest, error) {
	var resp []ActionRequest
	endpoint := fmt.Sprintf("documents/%s/requests", url.PathEscape(documentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TakeAction records an action against a document. An empty principal
// defaults to the authenticated actor.
func (c *Client) TakeAction(ctx context.Context, documentID, principal, action, annotation string) (ActionTaken, error) {
	body := map[string]any{
		"principal":  principal,
		"action":     action,
		"annotation": annotation,
	}
	var resp ActionTaken
	endpoint := fmt.Sprintf("documents/%s/actions", url.PathEscape(documentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddressedRequests returns the live request ids addressed to a principal on
// a document. An empty principal defaults to the authenticated actor.
func (c *Client) AddressedRequests(ctx context.Context, documentID, principal string) ([]string, error) {
	endpoint := fmt.Sprintf("documents/%s/addressed", url.PathEscape(documentID))
	if principal != "" {
		endpoint += "?principal=" + url.QueryEscape(principal)
	}
	var resp struct {
		Principal string   `json:"principal"`
		Requests  []string `json:"requests"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Requests, err
}

// ActionList returns the consolidated action list for a principal.
func (c *Client) ActionList(ctx context.Context, principal string) ([]ActionListEntry, error) {
	endpoint := "actionlist"
	if principal != "" {
		endpoint += "?principal=" + url.QueryEscape(principal)
	}
	var resp []ActionListEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ActionItems returns raw pending items for a principal.
func (c *Client) ActionItems(ctx context.Context, principal, documentID string) ([]ActionItem, error) {
	params := url.Values{}
	if principal != "" {
		params.Set("principal", principal)
	}
	if documentID != "" {
		params.Set("document", documentID)
	}
	endpoint := "actionitems"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []ActionItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateGroup creates a group.
func (c *Client) CreateGroup(ctx context.Context, id, name string) (Group, error) {
	body := map[string]any{"id": id, "name": name}
	var resp Group
	err := c.do(ctx, http.MethodPost, "groups", body, &resp)
	return resp, err
}

// AddGroupMember adds a member and propagates the change.
func (c *Client) AddGroupMember(ctx context.Context, groupID, memberID, memberType string) (PropagationResult, error) {
	body := map[string]any{"member_id": memberID, "member_type": memberType}
	var resp PropagationResult
	endpoint := fmt.Sprintf("groups/%s/members", url.PathEscape(groupID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// RemoveGroupMember removes a member and propagates the change.
func (c *Client) RemoveGroupMember(ctx context.Context, groupID, memberID, memberType string) (PropagationResult, error) {
	endpoint := fmt.Sprintf("groups/%s/members/%s", url.PathEscape(groupID), url.PathEscape(memberID))
	if memberType != "" {
		endpoint += "?member_type=" + url.QueryEscape(memberType)
	}
	var resp PropagationResult
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Propagate resyncs action items for a group's pending requests.
func (c *Client) Propagate(ctx context.Context, groupID string) (PropagationResult, error) {
	endpoint := fmt.Sprintf("groups/%s/propagate", url.PathEscape(groupID))
	var resp PropagationResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, documentID string) ([]Event, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if documentID != "" {
		params.Set("document", documentID)
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
