package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"docflow/internal/config"
	"docflow/internal/db"
	"docflow/internal/domain"
	"docflow/internal/engine"
	"docflow/internal/migrate"
	"docflow/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearerFor(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request status = %d, want 401", res.StatusCode)
	}

	// Health is exempt.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}

	// A garbage bearer token is rejected outright.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	secret := uuid.New().String()
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      uuid.New().String(),
		ActorID: "service-bot",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(secret),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents", nil, map[string]string{
		"X-Api-Key": secret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request status = %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/documents", nil, map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong api key status = %d, want 401", res.StatusCode)
	}
}

func TestDocumentRoutingFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	initiator := map[string]string{"Authorization": bearerFor(t, "init")}
	alice := map[string]string{"Authorization": bearerFor(t, "alice")}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"doc_type": "memo",
		"title":    "Quarterly update",
	}, initiator)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create document status %d: %s", res.StatusCode, string(data))
	}
	var doc DocumentResponse
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if doc.Status != domain.DocumentEnroute || doc.InitiatorID != "init" {
		t.Fatalf("document = %+v", doc)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/requests", map[string]any{
		"requests": []map[string]any{{
			"action":         "approve",
			"recipient_type": "user",
			"principal":      "alice",
		}},
	}, initiator)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved ResolveRequestsResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolve: %v", err)
	}
	if len(resolved.Requests) != 1 || resolved.Requests[0].Status != domain.RequestActivated {
		t.Fatalf("resolved = %+v", resolved)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actionlist", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("actionlist status %d: %s", res.StatusCode, string(data))
	}
	var entries []ActionListEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal actionlist: %v", err)
	}
	if len(entries) != 1 || entries[0].Item.Action != domain.ActionApprove {
		t.Fatalf("actionlist = %+v", entries)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+doc.ID+"/addressed", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("addressed status %d: %s", res.StatusCode, string(data))
	}
	var addressed struct {
		Principal string   `json:"principal"`
		Requests  []string `json:"requests"`
	}
	if err := json.Unmarshal(data, &addressed); err != nil {
		t.Fatalf("unmarshal addressed: %v", err)
	}
	if addressed.Principal != "alice" || len(addressed.Requests) != 1 {
		t.Fatalf("addressed = %+v", addressed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/actions", map[string]any{
		"action": "approve",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("take action status %d: %s", res.StatusCode, string(data))
	}
	var taken ActionTakenResponse
	if err := json.Unmarshal(data, &taken); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if taken.Principal != "alice" || taken.Action != domain.ActionApprove {
		t.Fatalf("taken = %+v", taken)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+doc.ID+"/requests", nil, initiator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list requests status %d: %s", res.StatusCode, string(data))
	}
	var requests []ActionRequestResponse
	if err := json.Unmarshal(data, &requests); err != nil {
		t.Fatalf("unmarshal requests: %v", err)
	}
	if len(requests) != 1 || requests[0].Status != domain.RequestDone {
		t.Fatalf("requests = %+v", requests)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+doc.ID+"/log", nil, initiator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("document log status %d: %s", res.StatusCode, string(data))
	}
	var log struct {
		Actions []ActionTakenResponse `json:"actions"`
		Events  []EventResponse       `json:"events"`
	}
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(log.Actions) != 1 {
		t.Fatalf("log actions = %+v", log.Actions)
	}
	if len(log.Events) == 0 {
		t.Fatalf("log should include route events")
	}
}

func TestGroupEndpointsAndPropagation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := map[string]string{"Authorization": bearerFor(t, "admin")}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/groups", map[string]any{
		"id": "reviewers", "name": "Reviewers",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create group status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/groups/reviewers/members", map[string]any{
		"member_id": "u1", "member_type": "principal",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add member status %d: %s", res.StatusCode, string(data))
	}

	// Route a document to the group, then remove the member over HTTP and
	// check propagation cleared the item.
	doc, err := srv.Engine.CreateDocument(context.Background(), engine.DocumentCreateOptions{
		DocType: "memo", Title: "t", InitiatorID: "init", ActorID: "init",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if _, err := srv.Engine.ResolveRequests(context.Background(), doc.ID, "", []engine.RequestSpec{{
		ActionRequested: domain.ActionApprove,
		RecipientType:   domain.RecipientGroup,
		GroupID:         "reviewers",
	}}, "init"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/groups/reviewers/members/u1", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove member status %d: %s", res.StatusCode, string(data))
	}
	var result engine.PropagationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal propagation: %v", err)
	}
	if result.ItemsRemoved != 1 {
		t.Fatalf("propagation = %+v, want one item removed", result)
	}

	// An id alone is a valid create; the name defaults to it.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/groups", map[string]any{"id": "inner"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("id-only create status %d: %s", res.StatusCode, string(data))
	}

	// Cycle attempts surface as 422.
	doJSON(t, client, http.MethodPut, srv.URL+"/v0/groups/reviewers/members", map[string]any{
		"member_id": "inner", "member_type": "group",
	}, admin)
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/groups/inner/members", map[string]any{
		"member_id": "reviewers", "member_type": "group",
	}, admin)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("cycle status %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := map[string]string{"Authorization": bearerFor(t, "alice")}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/nope", nil, alice)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing document status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", envelope.Error.Code)
	}

	// Acting without an addressed request is forbidden.
	doc, err := srv.Engine.CreateDocument(context.Background(), engine.DocumentCreateOptions{
		DocType: "memo", Title: "t", InitiatorID: "init", ActorID: "init",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/actions", map[string]any{
		"action": "approve",
	}, alice)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unaddressed action status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("error code = %q, want forbidden", envelope.Error.Code)
	}
}

func TestConflictErrorMapsToConflictStatus(t *testing.T) {
	statusErr := handleError(engine.ConflictError{DocumentID: "d1"})
	if statusErr.GetStatus() != http.StatusConflict {
		t.Fatalf("conflict status = %d, want 409", statusErr.GetStatus())
	}
	envelope, ok := statusErr.(*apiError)
	if !ok {
		t.Fatalf("unexpected error shape %#v", statusErr)
	}
	if envelope.Body.Code != "conflict" {
		t.Fatalf("error code = %q, want conflict", envelope.Body.Code)
	}
}
