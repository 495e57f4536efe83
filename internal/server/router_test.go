package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/api"
	"github.com/MarcoPoloResearchLab/hub/internal/auth"
	"github.com/MarcoPoloResearchLab/hub/internal/blobs"
	"github.com/MarcoPoloResearchLab/hub/internal/collaborators"
	"github.com/MarcoPoloResearchLab/hub/internal/content"
	"github.com/MarcoPoloResearchLab/hub/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hub/internal/documents"
	"github.com/MarcoPoloResearchLab/hub/internal/hubstore"
	"github.com/MarcoPoloResearchLab/hub/internal/publications"
	"github.com/MarcoPoloResearchLab/hub/internal/realtime"
	"github.com/MarcoPoloResearchLab/hub/internal/users"
	"github.com/MarcoPoloResearchLab/hub/internal/versions"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "test-signing-secret"

type testServer struct {
	server   *httptest.Server
	issuer   *auth.TokenIssuer
	realtime *realtime.Dispatcher
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t)
	alice := env.token(t, "alice")

	created := env.do(t, http.MethodPost, "/documents", alice, `{"id":"doc-1","meta":{"title":"Notes"}}`, http.StatusOK)
	var info hubstore.DocumentInfo
	decodeJSON(t, created, &info)
	if info.ID != "doc-1" || info.Creator != "alice" {
		t.Fatalf("unexpected info %+v", info)
	}

	update := `{"commits":[{"sha":"c1","op":{"insert":"a"}},{"sha":"c2","parent":"c1","op":{"insert":"b"}}]}`
	var result hubstore.UpdateResult
	decodeJSON(t, env.do(t, http.MethodPut, "/documents/doc-1", alice, update, http.StatusOK), &result)
	if result.Master != "c2" || result.Version != 1 {
		t.Fatalf("unexpected update result %+v", result)
	}

	var pulled hubstore.DocumentSnapshot
	decodeJSON(t, env.do(t, http.MethodGet, "/documents/doc-1/commits?since=c1", alice, "", http.StatusOK), &pulled)
	if len(pulled.Commits) != 1 || pulled.Commits[0].Sha != "c2" {
		t.Fatalf("unexpected pulled commits %+v", pulled.Commits)
	}

	var listed []hubstore.DocumentInfo
	decodeJSON(t, env.do(t, http.MethodGet, "/documents", alice, "", http.StatusOK), &listed)
	if len(listed) != 1 || listed[0].ID != "doc-1" {
		t.Fatalf("unexpected listing %+v", listed)
	}

	env.do(t, http.MethodDelete, "/documents/doc-1", alice, "", http.StatusOK)
	body := env.do(t, http.MethodGet, "/documents/doc-1", alice, "", http.StatusNotFound)
	var failure struct {
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decodeJSON(t, body, &failure)
	if failure.Status != http.StatusNotFound || failure.Code == "" || failure.Message == "" {
		t.Fatalf("unexpected error body %+v", failure)
	}
}

func TestCollaboratorAccessOverHTTP(t *testing.T) {
	env := newTestServer(t)
	alice := env.token(t, "alice")
	bob := env.token(t, "bob")

	env.do(t, http.MethodPost, "/documents", alice, `{"id":"doc-1"}`, http.StatusOK)
	env.do(t, http.MethodPut, "/documents/doc-1", bob, `{"commits":[{"sha":"x1"}]}`, http.StatusUnauthorized)

	var row collaborators.Collaborator
	decodeJSON(t, env.do(t, http.MethodPost, "/documents/doc-1/collaborators", alice, `{"collaborator":"bob"}`, http.StatusOK), &row)

	env.do(t, http.MethodPut, "/documents/doc-1", bob, `{"commits":[{"sha":"c1"}]}`, http.StatusOK)
	env.do(t, http.MethodDelete, "/documents/doc-1", bob, "", http.StatusUnauthorized)
	env.do(t, http.MethodDelete, "/collaborators/"+row.ID, bob, "", http.StatusUnauthorized)
	env.do(t, http.MethodGet, "/documents/doc-1", alice, "", http.StatusOK)
}

func TestBlobRoutesServeBinary(t *testing.T) {
	env := newTestServer(t)
	alice := env.token(t, "alice")
	env.do(t, http.MethodPost, "/documents", alice, `{"id":"doc-1"}`, http.StatusOK)
	env.do(t, http.MethodPost, "/documents/doc-1/blobs/cover", alice, `{"data":"data:text/plain;base64,aGVsbG8="}`, http.StatusOK)

	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/documents/doc-1/blobs/cover/binary", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+alice)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("binary request failed: %v", err)
	}
	defer response.Body.Close()
	payload, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK || string(payload) != "hello" {
		t.Fatalf("unexpected binary response %d %q", response.StatusCode, payload)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "text/plain" {
		t.Fatalf("unexpected content type %q", contentType)
	}
}

func TestPublicRoutesAndCommandEndpoint(t *testing.T) {
	env := newTestServer(t)
	alice := env.token(t, "alice")

	env.do(t, http.MethodGet, "/documents", "", "", http.StatusUnauthorized)

	var index struct {
		Commands []string `json:"commands"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/", "", "", http.StatusOK), &index)
	if len(index.Commands) == 0 {
		t.Fatalf("expected registered commands in index")
	}

	env.do(t, http.MethodPost, "/networks", alice, `{"id":"science","name":"Science"}`, http.StatusOK)
	var networks []publications.Network
	decodeJSON(t, env.do(t, http.MethodGet, "/networks", "", "", http.StatusOK), &networks)
	if len(networks) != 1 || networks[0].ID != "science" {
		t.Fatalf("unexpected networks %+v", networks)
	}

	env.do(t, http.MethodPost, "/commands/hubstore/create", alice, `{"document":"doc-2","username":"mallory"}`, http.StatusOK)
	var info hubstore.DocumentInfo
	decodeJSON(t, env.do(t, http.MethodPost, "/commands/hubstore/info", alice, `{"document":"doc-2"}`, http.StatusOK), &info)
	if info.Creator != "alice" {
		t.Fatalf("command endpoint must use the caller as creator, got %q", info.Creator)
	}
	env.do(t, http.MethodPost, "/commands/hubstore/explode", alice, "", http.StatusNotFound)

	env.do(t, http.MethodPost, "/documents/doc-2/versions", alice, `{"data":{"title":"v1"}}`, http.StatusOK)
	var latest versions.Version
	decodeJSON(t, env.do(t, http.MethodGet, "/documents/doc-2/versions/latest", "", "", http.StatusOK), &latest)
	if latest.Version != 1 || latest.Creator != "alice" {
		t.Fatalf("unexpected latest version %+v", latest)
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithOrigins(t)
}

func newTestServerWithOrigins(t *testing.T, allowedOrigins ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(content.SQLModels(),
		&documents.Document{},
		&collaborators.Collaborator{},
		&blobs.Blob{},
		&versions.Version{},
		&publications.Publication{},
		&publications.Network{},
		&users.User{},
		&users.Identity{},
	)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	userService := mustValue(t, func() (*users.Service, error) { return users.NewService(users.ServiceConfig{Database: db}) })
	for _, name := range []string{"alice", "bob"} {
		if _, err := userService.Register(context.Background(), users.User{Username: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	index := mustValue(t, func() (*documents.Store, error) { return documents.NewStore(documents.StoreConfig{Database: db}) })
	blobStore := mustValue(t, func() (*blobs.Store, error) { return blobs.NewStore(blobs.StoreConfig{Database: db}) })
	factory := mustValue(t, func() (*content.SQLFactory, error) {
		return content.NewSQLFactory(content.SQLFactoryConfig{Database: db, Blobs: blobStore})
	})
	members := mustValue(t, func() (*collaborators.Registry, error) {
		return collaborators.NewRegistry(collaborators.RegistryConfig{Database: db, Users: userService})
	})
	versionService := mustValue(t, func() (*versions.Service, error) {
		return versions.NewService(versions.ServiceConfig{Database: db, Index: index, Blobs: blobStore})
	})
	publicationService := mustValue(t, func() (*publications.Service, error) {
		return publications.NewService(publications.ServiceConfig{Database: db, Index: index})
	})
	dispatcher := realtime.NewDispatcher()
	engine := mustValue(t, func() (*hubstore.Engine, error) {
		return hubstore.NewEngine(hubstore.EngineConfig{
			Index:         index,
			Content:       factory,
			Collaborators: members,
			Versions:      versionService,
			Publications:  publicationService,
			Blobs:         blobStore,
			Notifier:      dispatcher,
		})
	})

	registry := dispatch.NewRegistry(zap.NewNop())
	if err := api.Register(registry, api.Services{
		Engine:        engine,
		Index:         index,
		Collaborators: members,
		Versions:      versionService,
		Publications:  publicationService,
	}); err != nil {
		t.Fatalf("failed to register commands: %v", err)
	}

	validator := mustValue(t, func() (*auth.SessionValidator, error) {
		return auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(testSigningSecret),
			CookieName:    "hub_session",
		})
	})
	issuer := mustValue(t, func() (*auth.TokenIssuer, error) {
		return auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Minute})
	})

	handler, err := NewHTTPHandler(Dependencies{
		Registry:          registry,
		Sessions:          validator,
		Users:             userService,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		AllowedOrigins:    allowedOrigins,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, issuer: issuer, realtime: dispatcher}
}

func (s *testServer) token(t *testing.T, username string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(username, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token, body string, wantStatus int) []byte {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if response.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (%s)", method, path, wantStatus, response.StatusCode, payload)
	}
	return payload
}

func decodeJSON(t *testing.T, payload []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(payload, target); err != nil {
		t.Fatalf("failed to decode %s: %v", payload, err)
	}
}

func mustValue[T any](t *testing.T, build func() (T, error)) T {
	t.Helper()
	value, err := build()
	if err != nil {
		t.Fatalf("failed to build dependency: %v", err)
	}
	return value
}
