package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/simul/internal/models"
	"example.com/backstage/simul/internal/sequencer"
	"example.com/backstage/simul/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSimulService struct {
	mock.Mock
}

func (m *MockSimulService) Create(ctx context.Context, setup models.Setup, hostID string) (*models.Event, error) {
	args := m.Called(ctx, setup, hostID)
	event, _ := args.Get(0).(*models.Event)
	return event, args.Error(1)
}

func (m *MockSimulService) Update(ctx context.Context, eventID string, setup models.Setup) (*models.Event, error) {
	args := m.Called(ctx, eventID, setup)
	event, _ := args.Get(0).(*models.Event)
	return event, args.Error(1)
}

func (m *MockSimulService) AddApplicant(ctx context.Context, eventID, userID string, variant models.Variant) error {
	return m.Called(ctx, eventID, userID, variant).Error(0)
}

func (m *MockSimulService) RemoveApplicant(ctx context.Context, eventID, userID string) error {
	return m.Called(ctx, eventID, userID).Error(0)
}

func (m *MockSimulService) Accept(ctx context.Context, eventID, userID string, accepted bool) error {
	return m.Called(ctx, eventID, userID, accepted).Error(0)
}

func (m *MockSimulService) Start(ctx context.Context, eventID string) (*models.Event, error) {
	args := m.Called(ctx, eventID)
	event, _ := args.Get(0).(*models.Event)
	return event, args.Error(1)
}

func (m *MockSimulService) Abort(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *MockSimulService) SetText(ctx context.Context, eventID, text string) error {
	return m.Called(ctx, eventID, text).Error(0)
}

func (m *MockSimulService) HostPing(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *MockSimulService) EjectCheater(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockSimulService) Find(ctx context.Context, eventID string) (*models.Event, error) {
	args := m.Called(ctx, eventID)
	event, _ := args.Get(0).(*models.Event)
	return event, args.Error(1)
}

func (m *MockSimulService) IDToName(ctx context.Context, eventID string) (string, bool, error) {
	args := m.Called(ctx, eventID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockSimulService) TeamOf(ctx context.Context, eventID string) (string, error) {
	args := m.Called(ctx, eventID)
	return args.String(0), args.Error(1)
}

func (m *MockSimulService) HostedByUser(ctx context.Context, userID string, page, perPage int) ([]*models.Event, error) {
	args := m.Called(ctx, userID, page, perPage)
	events, _ := args.Get(0).([]*models.Event)
	return events, args.Error(1)
}

func (m *MockSimulService) CountHostedByUser(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSimulService) CurrentHostIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *MockSimulService) IsHost(ctx context.Context, userID string) bool {
	return m.Called(ctx, userID).Bool(0)
}

func (m *MockSimulService) SearchHistory(ctx context.Context, text string, size int) ([]map[string]interface{}, error) {
	args := m.Called(ctx, text, size)
	hits, _ := args.Get(0).([]map[string]interface{})
	return hits, args.Error(1)
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) MarkPresent(ctx context.Context, eventID, userID string) error {
	return m.Called(ctx, eventID, userID).Error(0)
}

func newTestRouter(service *MockSimulService, presence *MockPresence) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewSimulHandler(service, presence).RegisterRoutes(router)
	return router
}

func perform(router http.Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateRequiresUser(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))

	w := perform(router, http.MethodPost, "/simuls", "", models.Setup{Name: "x"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	service.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestEjectRequiresUser(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("EjectCheater", mock.Anything, "cheater").Return(nil)

	w := perform(router, http.MethodPost, "/users/cheater/eject", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	service.AssertNotCalled(t, "EjectCheater", mock.Anything, mock.Anything)

	w = perform(router, http.MethodPost, "/users/cheater/eject", "moderator", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	service.AssertExpectations(t)
}

func TestCreate(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))

	service.On("Create", mock.Anything, mock.MatchedBy(func(s models.Setup) bool { return s.Name == "Sunday simul" }), "host").
		Return(&models.Event{ID: "ev", HostID: "host", Name: "Sunday simul"}, nil)

	w := perform(router, http.MethodPost, "/simuls", "host", models.Setup{Name: "Sunday simul"})

	assert.Equal(t, http.StatusCreated, w.Code)
	var event models.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, "ev", event.ID)
	service.AssertExpectations(t)
}

func TestHostOnlyRoutes(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("Find", mock.Anything, "ev").Return(&models.Event{ID: "ev", HostID: "host"}, nil)
	service.On("Find", mock.Anything, "missing").Return(nil, nil)
	service.On("Start", mock.Anything, "ev").Return(&models.Event{ID: "ev", Status: models.StatusStarted}, nil)

	w := perform(router, http.MethodPost, "/simuls/ev/start", "intruder", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	service.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)

	w = perform(router, http.MethodPost, "/simuls/missing/start", "host", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(router, http.MethodPost, "/simuls/ev/start", "host", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	service.AssertCalled(t, "Start", mock.Anything, "ev")
}

func TestAcceptAndReject(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("Find", mock.Anything, "ev").Return(&models.Event{ID: "ev", HostID: "host"}, nil)
	service.On("Accept", mock.Anything, "ev", "a1", true).Return(nil)
	service.On("Accept", mock.Anything, "ev", "a2", false).Return(nil)

	assert.Equal(t, http.StatusOK, perform(router, http.MethodPost, "/simuls/ev/applicants/a1/accept", "host", nil).Code)
	assert.Equal(t, http.StatusOK, perform(router, http.MethodPost, "/simuls/ev/applicants/a2/reject", "host", nil).Code)
	service.AssertExpectations(t)
}

func TestJoinErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"full", services.ErrEventFull, http.StatusConflict, "EVENT_FULL"},
		{"ineligible", errors.Wrap(&services.IneligibleError{Reason: "blitz rating of at least 1800 required"}, "failed to add applicant"), http.StatusForbidden, "INELIGIBLE"},
		{"variant", services.ErrVariantNotOffered, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"queue full", errors.Wrap(sequencer.ErrQueueFull, "failed to add applicant"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"timeout", sequencer.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{"stale", errors.Wrap(models.ErrStaleEvent, "event ev at version 3"), http.StatusConflict, "CONFLICT"},
		{"unknown", errors.New("database is down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockSimulService)
			router := newTestRouter(service, new(MockPresence))
			service.On("AddApplicant", mock.Anything, "ev", "a1", models.VariantStandard).Return(tt.err)

			w := perform(router, http.MethodPost, "/simuls/ev/join", "a1", JoinRequest{Variant: models.VariantStandard})

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestIneligibleReasonIsReturned(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("AddApplicant", mock.Anything, "ev", "a1", models.VariantStandard).
		Return(&services.IneligibleError{Reason: "account is restricted"})

	w := perform(router, http.MethodPost, "/simuls/ev/join", "a1", JoinRequest{Variant: models.VariantStandard})

	assert.Equal(t, "account is restricted", decodeError(t, w).Message)
}

func TestJoinRequiresVariant(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))

	w := perform(router, http.MethodPost, "/simuls/ev/join", "a1", map[string]string{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	service.AssertNotCalled(t, "AddApplicant", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPresence(t *testing.T) {
	presence := new(MockPresence)
	router := newTestRouter(new(MockSimulService), presence)
	presence.On("MarkPresent", mock.Anything, "ev", "a1").Return(nil)

	w := perform(router, http.MethodPost, "/simuls/ev/presence", "a1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	presence.AssertExpectations(t)
}

func TestGetAndName(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("Find", mock.Anything, "ev").Return(&models.Event{ID: "ev", Name: "Sunday simul"}, nil)
	service.On("Find", mock.Anything, "nope").Return(nil, nil)
	service.On("IDToName", mock.Anything, "ev").Return("Sunday simul", true, nil)
	service.On("IDToName", mock.Anything, "nope").Return("", false, nil)

	assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/simuls/ev", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, perform(router, http.MethodGet, "/simuls/nope", "", nil).Code)

	w := perform(router, http.MethodGet, "/simuls/ev/name", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sunday simul")
	assert.Equal(t, http.StatusNotFound, perform(router, http.MethodGet, "/simuls/nope/name", "", nil).Code)
}

func TestHostedByUserPagination(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("HostedByUser", mock.Anything, "host", 2, 10).Return([]*models.Event{{ID: "ev"}}, nil)
	service.On("CountHostedByUser", mock.Anything, "host").Return(int64(7), nil)

	w := perform(router, http.MethodGet, "/users/host/hosted?page=2&per_page=10", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = perform(router, http.MethodGet, "/users/host/hosted/count", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"host","count":7}`, w.Body.String())
	service.AssertExpectations(t)
}

func TestCurrentHosts(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("CurrentHostIDs", mock.Anything).Return(nil, nil)
	service.On("IsHost", mock.Anything, "host").Return(true)

	w := perform(router, http.MethodGet, "/hosts", "", nil)
	assert.JSONEq(t, `{"hosts":[]}`, w.Body.String())

	w = perform(router, http.MethodGet, "/hosts/host", "", nil)
	assert.JSONEq(t, `{"user_id":"host","hosting":true}`, w.Body.String())
}

func TestSearchRequiresQuery(t *testing.T) {
	service := new(MockSimulService)
	router := newTestRouter(service, new(MockPresence))
	service.On("SearchHistory", mock.Anything, "sunday", 0).Return([]map[string]interface{}{{"id": "ev"}}, nil)

	assert.Equal(t, http.StatusBadRequest, perform(router, http.MethodGet, "/search", "", nil).Code)

	w := perform(router, http.MethodGet, "/search?q=sunday", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"ev"`)
}
