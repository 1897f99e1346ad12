package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"protolab/internal/db"
	"protolab/internal/directory"
	"protolab/internal/domain"
	"protolab/internal/engine"
	"protolab/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil, directory.Static{"alice": "Alice", "bob": "Bob"})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, uid string) map[string]string {
	t.Helper()
	token, err := MintToken(testSecret, uid, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

func decodeEnvelope(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func designPayload() map[string]any {
	return map[string]any{
		"title":           "Plant growth under LED spectra",
		"summary":         "Compare red and blue light",
		"discipline_tags": []string{"biology"},
		"difficulty":      "beginner",
		"steps":           []string{"Set up trays", "Measure height daily"},
		"materials":       []string{"basil seeds", "LED panel"},
		"research_questions": []map[string]any{
			{"text": "Does light color affect growth rate?"},
		},
	}
}

func TestDesignPublishFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs", designPayload(), alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Design
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal design: %v", err)
	}
	if created.Status != domain.DesignDraft || created.Version != 1 {
		t.Fatalf("created design: %+v", created)
	}

	// Drafts are invisible to everyone but the authors.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("anonymous draft fetch status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Code != "not_found" {
		t.Fatalf("envelope code %q", env.Code)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs/"+created.ID, nil, bearer(t, "bob"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger draft fetch status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs/"+created.ID, nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("author draft fetch status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs/"+created.ID+"/publish", map[string]any{}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published domain.Design
	_ = json.Unmarshal(data, &published)
	if published.Status != domain.DesignPublished || published.PublishedVersion != 1 {
		t.Fatalf("published design: %+v", published)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anonymous fetch after publish status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs/"+created.ID+"/versions/1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("version fetch status %d: %s", res.StatusCode, string(data))
	}
}

func TestAnonymousMutationRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs", designPayload(), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Code != "unauthorized" {
		t.Fatalf("envelope code %q", env.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs", designPayload(),
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Code != "invalid_credentials" {
		t.Fatalf("envelope code %q", env.Code)
	}
}

func TestValidationUsesEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := bearer(t, "alice")

	payload := designPayload()
	payload["difficulty"] = "impossible"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs", payload, alice)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid difficulty status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeEnvelope(t, data); env.Code == "" {
		t.Fatalf("envelope missing code: %s", string(data))
	}
}

func TestLockedFieldErrorCarriesDetails(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := bearer(t, "alice")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs", designPayload(), alice)
	var d domain.Design
	_ = json.Unmarshal(data, &d)
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs/"+d.ID+"/publish", map[string]any{}, alice); res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, string(body))
	}
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs/"+d.ID+"/executions", map[string]any{}, bearer(t, "bob")); res.StatusCode != http.StatusCreated {
		t.Fatalf("start execution: %d %s", res.StatusCode, string(body))
	}

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/designs/"+d.ID, map[string]any{
		"steps": []string{"Different steps"},
	}, alice)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("locked field patch status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Code != "forbidden" || env.Details["fields"] == nil {
		t.Fatalf("envelope: %+v", env)
	}
}

func TestListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := bearer(t, "alice")

	for i := 0; i < 3; i++ {
		_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs", designPayload(), alice)
		var d domain.Design
		_ = json.Unmarshal(data, &d)
		if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/designs/"+d.ID+"/publish", map[string]any{}, alice); res.StatusCode != http.StatusOK {
			t.Fatalf("publish %d: %d %s", i, res.StatusCode, string(body))
		}
	}

	var page struct {
		Items      []domain.Design `json:"items"`
		NextCursor string          `json:"next_cursor"`
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: items=%d cursor=%q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/designs?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("second page: items=%d cursor=%q", len(page.Items), page.NextCursor)
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
