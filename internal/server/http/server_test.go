package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/keys"
	"github.com/buildsafe/sitesync/internal/locker"
	"github.com/buildsafe/sitesync/internal/model"
	"github.com/buildsafe/sitesync/internal/piicrypto"
	"github.com/buildsafe/sitesync/internal/service"
)

const testAdminSecret = "test-admin-secret"

// memStore is an in-memory implementation of all repositories the trigger
// surface touches.
type memStore struct {
	identities map[string]*model.Identity // externalWorkerID -> record
	events     map[model.EventKey]bool
	kv         map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		identities: map[string]*model.Identity{},
		events:     map[model.EventKey]bool{},
		kv:         map[string][]byte{},
	}
}

func (m *memStore) GetByExternalID(_ context.Context, _, workerID string) (*model.Identity, error) {
	rec, ok := m.identities[workerID]
	if !ok || rec.DeletedAt != nil {
		return nil, errs.ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (m *memStore) GetByPhoneHash(_ context.Context, hash string) (*model.Identity, error) {
	for _, rec := range m.identities {
		if rec.PhoneHash == hash && rec.DeletedAt == nil {
			cpy := *rec
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *memStore) Insert(_ context.Context, id *model.Identity) error {
	if _, exists := m.identities[id.ExternalWorkerID]; exists {
		return errs.ErrAlreadyExists
	}
	cpy := *id
	m.identities[id.ExternalWorkerID] = &cpy
	return nil
}

func (m *memStore) UpdateSourcedFields(_ context.Context, id *model.Identity) error {
	rec, ok := m.identities[id.ExternalWorkerID]
	if !ok {
		return errs.ErrNotFound
	}
	rec.Name = id.Name
	rec.MaskedName = id.MaskedName
	rec.PhoneEnc = id.PhoneEnc
	rec.PhoneHash = id.PhoneHash
	rec.Company = id.Company
	rec.Trade = id.Trade
	return nil
}

func (m *memStore) UpdatePII(_ context.Context, id uuid.UUID, phoneEnc, phoneHash, dobEnc, dobHash string) error {
	for _, rec := range m.identities {
		if rec.ID == id {
			rec.PhoneEnc = phoneEnc
			rec.PhoneHash = phoneHash
			rec.DOBEnc = dobEnc
			rec.DOBHash = dobHash
			return nil
		}
	}
	return errs.ErrNotFound
}

func (m *memStore) DeactivateByExternalIDs(_ context.Context, _ string, workerIDs []string) (int, error) {
	n := 0
	now := time.Now()
	for _, wid := range workerIDs {
		if rec, ok := m.identities[wid]; ok && rec.DeletedAt == nil {
			rec.DeletedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResolveExternalIDs(_ context.Context, _ string, workerIDs []string) (map[string]uuid.UUID, error) {
	out := map[string]uuid.UUID{}
	for _, wid := range workerIDs {
		if rec, ok := m.identities[wid]; ok && rec.DeletedAt == nil {
			out[wid] = rec.ID
		}
	}
	return out, nil
}

func (m *memStore) ListPlaceholders(_ context.Context, _ string, limit int) ([]model.Identity, error) {
	var out []model.Identity
	for _, rec := range m.identities {
		if piicrypto.IsPlaceholder(rec.PhoneHash) && rec.DeletedAt == nil && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memStore) ListExportWorkerIDs(_ context.Context, _ string) ([]string, error) {
	var out []string
	for wid, rec := range m.identities {
		if piicrypto.IsPlaceholder(rec.PhoneHash) && rec.DeletedAt == nil {
			out = append(out, wid)
		}
	}
	return out, nil
}

func (m *memStore) ExistingKeys(_ context.Context, keys []model.EventKey) (map[model.EventKey]bool, error) {
	out := map[model.EventKey]bool{}
	for _, k := range keys {
		if m.events[k] {
			out[k] = true
		}
	}
	return out, nil
}

func (m *memStore) InsertBatch(_ context.Context, events []*model.AttendanceEvent) (int, error) {
	n := 0
	for _, ev := range events {
		k := model.EventKey{ExternalWorkerID: ev.ExternalWorkerID, SiteID: ev.SiteID, CheckinAt: ev.CheckinAt}
		if !m.events[k] {
			m.events[k] = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.kv[key] = value
	return nil
}

func (m *memStore) PutIfAbsent(_ context.Context, key string, value []byte, _ time.Duration) (bool, []byte, error) {
	if cur, ok := m.kv[key]; ok {
		return false, cur, nil
	}
	m.kv[key] = value
	return true, value, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.kv, key)
	return nil
}

// auditStore adapts memStore to the audit interface without method clashes.
type auditStore struct{}

func (auditStore) Insert(context.Context, string, map[string]any) error { return nil }

// stubSource serves a fixed employee roster.
type stubSource struct {
	employees []model.ExternalEmployee
}

func (s *stubSource) GetEmployee(_ context.Context, workerID string) (*model.ExternalEmployee, error) {
	for _, e := range s.employees {
		if e.WorkerID == workerID {
			cpy := e
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *stubSource) GetEmployeesBatch(context.Context, []string) (map[string]model.ExternalEmployee, error) {
	return nil, nil
}

func (s *stubSource) GetUpdatedEmployees(context.Context, *time.Time) ([]model.ExternalEmployee, error) {
	return s.employees, nil
}

func (s *stubSource) GetAllEmployeesPaginated(_ context.Context, offset, limit int) ([]model.ExternalEmployee, int, error) {
	if offset >= len(s.employees) {
		return nil, len(s.employees), nil
	}
	end := offset + limit
	if end > len(s.employees) {
		end = len(s.employees)
	}
	return s.employees[offset:end], len(s.employees), nil
}

func (s *stubSource) SearchByName(context.Context, string) ([]model.ExternalEmployee, error) {
	return nil, nil
}

func newTestServer(t *testing.T, store *memStore, src *stubSource) *Server {
	t.Helper()
	log := zap.NewNop()

	km, err := keys.NewManager(
		base64.StdEncoding.EncodeToString(make([]byte, 32)),
		"hash-secret", "sign-secret",
	)
	require.NoError(t, err)

	codec, err := piicrypto.New(km.EncryptionKey(), km.HashingKey())
	require.NoError(t, err)

	rec := service.NewReconciler(store, codec, src, "fas", log)
	locks := locker.New(store, log)
	syncer := service.NewSyncer(rec, src, locks, store, log)
	ingest := service.NewIngestor(store, store, store, auditStore{}, "fas", log)

	return New(ingest, syncer, rec, km, testAdminSecret, func() bool { return true }, log)
}

func sourceEmployee(workerID string) model.ExternalEmployee {
	return model.ExternalEmployee{
		WorkerID:  workerID,
		Name:      "Kevin",
		Company:   "Acme Construction",
		Phone:     "010-1234-5678",
		Active:    true,
		UpdatedAt: time.Now(),
	}
}

func TestIngestEndpoint(t *testing.T) {
	store := newMemStore()
	src := &stubSource{employees: []model.ExternalEmployee{sourceEmployee("W-1")}}
	srv := newTestServer(t, store, src)
	h := srv.Handler()

	// register W-1 through a full sync page
	sync := httptest.NewRequest(http.MethodPost, "/admin/sync/full", nil)
	sync.Header.Set("X-Admin-Secret", testAdminSecret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, sync)
	require.Equal(t, http.StatusOK, rr.Code)

	body := `{"events":[
		{"fasEventId":"E-1","fasUserId":"W-1","checkinAt":"2026-08-30T07:30:00Z","siteId":"S-1"},
		{"fasEventId":"E-2","fasUserId":"W-ghost","checkinAt":"2026-08-30T07:31:00Z","siteId":"S-1"},
		{"fasEventId":"E-3","fasUserId":"W-1","checkinAt":"2026-08-30T07:32:00Z","siteId":""}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attendance/events", strings.NewReader(body))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var res model.IngestResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, model.ResultSuccess, res.Results[0].Result)
	require.Equal(t, model.ResultNotFound, res.Results[1].Result)
	require.Equal(t, model.ResultMissingSite, res.Results[2].Result)
}

func TestIngestEndpoint_BadRequests(t *testing.T) {
	srv := newTestServer(t, newMemStore(), &stubSource{})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attendance/events", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/attendance/events", strings.NewReader(`{"events":[]}`))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// one malformed timestamp rejects the whole batch
	req = httptest.NewRequest(http.MethodPost, "/api/v1/attendance/events", strings.NewReader(
		`{"events":[{"fasEventId":"E-1","fasUserId":"W-1","checkinAt":"nope","siteId":"S-1"}]}`))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminAuth(t *testing.T) {
	srv := newTestServer(t, newMemStore(), &stubSource{})
	h := srv.Handler()

	// no credentials
	req := httptest.NewRequest(http.MethodPost, "/admin/sync/full", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// wrong shared secret
	req = httptest.NewRequest(http.MethodPost, "/admin/sync/full", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// shared secret
	req = httptest.NewRequest(http.MethodPost, "/admin/sync/full", nil)
	req.Header.Set("X-Admin-Secret", testAdminSecret)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// bearer token issued by /admin/token
	tokReq := httptest.NewRequest(http.MethodPost, "/admin/token", nil)
	tokReq.Header.Set("X-Admin-Secret", testAdminSecret)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, tokReq)
	require.Equal(t, http.StatusOK, rr.Code)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	req = httptest.NewRequest(http.MethodPost, "/admin/sync/cross-match", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// garbage bearer token
	req = httptest.NewRequest(http.MethodPost, "/admin/sync/cross-match", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminTokenEndpoint_Unauthorized(t *testing.T) {
	srv := newTestServer(t, newMemStore(), &stubSource{})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/admin/token", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestFullSyncEndpoint_Pagination(t *testing.T) {
	store := newMemStore()
	src := &stubSource{employees: []model.ExternalEmployee{
		sourceEmployee("W-1"), sourceEmployee("W-2"), sourceEmployee("W-3"),
	}}
	srv := newTestServer(t, store, src)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/admin/sync/full?offset=0&limit=2", nil)
	req.Header.Set("X-Admin-Secret", testAdminSecret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var res struct {
		TotalSource int  `json:"totalSource"`
		HasMore     bool `json:"hasMore"`
		NextOffset  int  `json:"nextOffset"`
		Sync        struct {
			Created int `json:"created"`
		} `json:"sync"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, 3, res.TotalSource)
	require.True(t, res.HasMore)
	require.Equal(t, 2, res.NextOffset)
	require.Equal(t, 2, res.Sync.Created)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, newMemStore(), &stubSource{})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}
