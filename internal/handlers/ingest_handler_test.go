package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	apierrors "github.com/stwalsh4118/atlas/listings/internal/errors"
	"github.com/stwalsh4118/atlas/listings/internal/logger"
	"github.com/stwalsh4118/atlas/listings/internal/middleware"
	"github.com/stwalsh4118/atlas/listings/internal/models"
	"github.com/stwalsh4118/atlas/listings/internal/repository"
	"github.com/stwalsh4118/atlas/listings/internal/services"
	"github.com/stwalsh4118/atlas/listings/internal/stats"
)

// MockIngestService is a mock implementation of services.IngestService for testing.
type MockIngestService struct {
	mock.Mock
}

func (m *MockIngestService) StartSession(marketTotal int) uuid.UUID {
	args := m.Called(marketTotal)
	return args.Get(0).(uuid.UUID)
}

func (m *MockIngestService) Ingest(ctx context.Context, sessionID uuid.UUID, p repository.UpsertParams) (repository.UpsertResult, error) {
	args := m.Called(ctx, sessionID, p)
	return args.Get(0).(repository.UpsertResult), args.Error(1)
}

func (m *MockIngestService) FinishSession(ctx context.Context, sessionID uuid.UUID) (stats.Snapshot, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(stats.Snapshot), args.Error(1)
}

func (m *MockIngestService) AbortSession(ctx context.Context, sessionID uuid.UUID, cause error) (stats.Snapshot, error) {
	args := m.Called(ctx, sessionID, cause)
	return args.Get(0).(stats.Snapshot), args.Error(1)
}

func (m *MockIngestService) SessionStats(sessionID uuid.UUID) (stats.Snapshot, error) {
	args := m.Called(sessionID)
	return args.Get(0).(stats.Snapshot), args.Error(1)
}

func (m *MockIngestService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockIngestService) ApplyTags(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockIngestService) CheckConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockIngestService) ConnectionStats() database.ConnStats {
	args := m.Called()
	return args.Get(0).(database.ConnStats)
}

func (m *MockIngestService) PreviewTags(description string) []string {
	args := m.Called(description)
	return args.Get(0).([]string)
}

var _ services.IngestService = (*MockIngestService)(nil)

// setupIngestTestRouter creates a test router with middleware and ingest routes.
func setupIngestTestRouter(svc services.IngestService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Nop()))

	h := NewIngestHandler(svc)
	v1 := router.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.StartSession)
			sessions.POST("/:id/listings", h.Ingest)
			sessions.GET("/:id/stats", h.SessionStats)
			sessions.POST("/:id/finish", h.FinishSession)
			sessions.POST("/:id/abort", h.AbortSession)
		}
		listings := v1.Group("/listings")
		{
			listings.GET("/:id", h.GetListing)
			listings.POST("/tags", h.ApplyTags)
			listings.POST("/tags/preview", h.PreviewTags)
		}
	}
	return router
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierrors.ErrorResponse {
	t.Helper()
	var resp apierrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func ingestBody() map[string]interface{} {
	return map[string]interface{}{
		"city":          "granada",
		"property_type": "country-house",
		"as_of":         "2026-10-18",
		"listing": map[string]interface{}{
			"id":          "A1",
			"url":         "https://portal.example/A1",
			"title":       "Cortijo",
			"land_m2":     "2500.5",
			"latitude":    37.1,
			"description": "",
		},
	}
}

func TestStartSession(t *testing.T) {
	t.Run("with market total", func(t *testing.T) {
		svc := new(MockIngestService)
		id := uuid.New()
		svc.On("StartSession", 1200).Return(id)

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions",
			map[string]interface{}{"total_listings_in_market": 1200})

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp StartSessionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, id, resp.SessionID)
		svc.AssertExpectations(t)
	})

	t.Run("empty body", func(t *testing.T) {
		svc := new(MockIngestService)
		svc.On("StartSession", 0).Return(uuid.New())

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions", nil)

		assert.Equal(t, http.StatusCreated, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("negative total", func(t *testing.T) {
		svc := new(MockIngestService)

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions",
			map[string]interface{}{"total_listings_in_market": -1})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrValidation, decodeError(t, w).Error.Code)
		svc.AssertNotCalled(t, "StartSession", mock.Anything)
	})
}

func TestIngest_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		result     repository.UpsertResult
		wantStatus int
		wantCode   string
	}{
		{name: "created", result: repository.UpsertResult{Outcome: repository.OutcomeCreated}, wantStatus: http.StatusCreated},
		{name: "updated", result: repository.UpsertResult{Outcome: repository.OutcomeUpdated}, wantStatus: http.StatusOK},
		{
			name:       "failed",
			result:     repository.UpsertResult{Outcome: repository.OutcomeFailed, Err: errors.New("deadlock detected")},
			wantStatus: http.StatusBadGateway,
			wantCode:   apierrors.ErrWriteFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockIngestService)
			sessionID := uuid.New()
			svc.On("Ingest", mock.Anything, sessionID, mock.Anything).Return(tt.result, nil)

			w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
				"/api/v1/sessions/"+sessionID.String()+"/listings", ingestBody())

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				resp := decodeError(t, w)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				assert.Contains(t, resp.Error.Details["reason"], "deadlock detected")
				return
			}

			var resp IngestResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "A1", resp.ID)
			assert.Equal(t, tt.result.Outcome, resp.Outcome)
			assert.Equal(t, tt.result.Created(), resp.Created)
		})
	}
}

func TestIngest_DecodesScraperFields(t *testing.T) {
	svc := new(MockIngestService)
	sessionID := uuid.New()
	svc.On("Ingest", mock.Anything, sessionID, mock.MatchedBy(func(p repository.UpsertParams) bool {
		in := p.Listing
		return in.ID == "A1" &&
			in.LandM2 != nil && *in.LandM2 == 2500.5 &&
			in.Latitude != nil && *in.Latitude == 37.1 &&
			in.Longitude == nil &&
			in.Description == "" &&
			p.City == "granada" &&
			p.PropertyType == "country-house" &&
			p.AsOf == "2026-10-18"
	})).Return(repository.UpsertResult{Outcome: repository.OutcomeCreated}, nil)

	w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
		"/api/v1/sessions/"+sessionID.String()+"/listings", ingestBody())

	assert.Equal(t, http.StatusCreated, w.Code)
	svc.AssertExpectations(t)
}

func TestIngest_Errors(t *testing.T) {
	sessionID := uuid.New()

	t.Run("bad session id", func(t *testing.T) {
		svc := new(MockIngestService)
		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions/nope/listings", ingestBody())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrBadRequest, decodeError(t, w).Error.Code)
	})

	t.Run("missing city", func(t *testing.T) {
		svc := new(MockIngestService)
		body := ingestBody()
		delete(body, "city")

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
			"/api/v1/sessions/"+sessionID.String()+"/listings", body)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeError(t, w)
		assert.Equal(t, apierrors.ErrValidation, resp.Error.Code)
		assert.Contains(t, resp.Error.Details, "City")
	})

	t.Run("malformed as_of", func(t *testing.T) {
		svc := new(MockIngestService)
		body := ingestBody()
		body["as_of"] = "18/10/2026"

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
			"/api/v1/sessions/"+sessionID.String()+"/listings", body)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrValidation, decodeError(t, w).Error.Code)
	})

	t.Run("undecodable listing field", func(t *testing.T) {
		svc := new(MockIngestService)
		body := ingestBody()
		body["listing"].(map[string]interface{})["latitude"] = "north"

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
			"/api/v1/sessions/"+sessionID.String()+"/listings", body)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown session", func(t *testing.T) {
		svc := new(MockIngestService)
		svc.On("Ingest", mock.Anything, sessionID, mock.Anything).
			Return(repository.UpsertResult{}, services.ErrSessionNotFound)

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
			"/api/v1/sessions/"+sessionID.String()+"/listings", ingestBody())

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, apierrors.ErrSessionNotFound, decodeError(t, w).Error.Code)
	})

	t.Run("invalid listing", func(t *testing.T) {
		svc := new(MockIngestService)
		svc.On("Ingest", mock.Anything, sessionID, mock.Anything).
			Return(repository.UpsertResult{}, errors.Join(services.ErrInvalidListing, errors.New("id is required")))

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost,
			"/api/v1/sessions/"+sessionID.String()+"/listings", ingestBody())

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSessionStats(t *testing.T) {
	svc := new(MockIngestService)
	known, unknown := uuid.New(), uuid.New()
	svc.On("SessionStats", known).Return(stats.Snapshot{CapturedCount: 4, CapturedIDs: []string{}, IDsWithDate: []string{}}, nil)
	svc.On("SessionStats", unknown).Return(stats.Snapshot{}, services.ErrSessionNotFound)
	router := setupIngestTestRouter(svc)

	w := doJSON(router, http.MethodGet, "/api/v1/sessions/"+known.String()+"/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"captured_count":4`)

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+unknown.String()+"/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFinishSession(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		svc := new(MockIngestService)
		id := uuid.New()
		svc.On("FinishSession", mock.Anything, id).Return(stats.Snapshot{ListingsProcessed: 9}, nil)

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions/"+id.String()+"/finish", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp SessionResultResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "completed", resp.Status)
		assert.Equal(t, 9, resp.Stats.ListingsProcessed)
	})

	t.Run("scrape log not saved", func(t *testing.T) {
		svc := new(MockIngestService)
		id := uuid.New()
		svc.On("FinishSession", mock.Anything, id).Return(stats.Snapshot{}, errors.New("connection reset"))

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions/"+id.String()+"/finish", nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestAbortSession(t *testing.T) {
	t.Run("blocked scrape", func(t *testing.T) {
		svc := new(MockIngestService)
		id := uuid.New()
		svc.On("AbortSession", mock.Anything, id, mock.MatchedBy(func(err error) bool {
			var blocking *apierrors.CriticalBlockingError
			return errors.As(err, &blocking) && blocking.Reason == "captcha"
		})).Return(stats.Snapshot{}, nil)

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions/"+id.String()+"/abort",
			map[string]interface{}{"reason": "captcha", "blocked": true})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"aborted"`)
		svc.AssertExpectations(t)
	})

	t.Run("reason required", func(t *testing.T) {
		svc := new(MockIngestService)
		id := uuid.New()

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions/"+id.String()+"/abort",
			map[string]interface{}{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "AbortSession", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown session", func(t *testing.T) {
		svc := new(MockIngestService)
		id := uuid.New()
		svc.On("AbortSession", mock.Anything, id, mock.Anything).Return(stats.Snapshot{}, services.ErrSessionNotFound)

		w := doJSON(setupIngestTestRouter(svc), http.MethodPost, "/api/v1/sessions/"+id.String()+"/abort",
			map[string]interface{}{"reason": "scraper crashed"})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetListing(t *testing.T) {
	svc := new(MockIngestService)
	city := "granada"
	svc.On("GetListing", mock.Anything, "A1").Return(&models.Listing{ID: "A1", City: &city, Tags: []string{"Pool"}}, nil)
	svc.On("GetListing", mock.Anything, "missing").Return(nil, nil)
	svc.On("GetListing", mock.Anything, "broken").Return(nil, errors.New("timeout"))
	svc.On("GetListing", mock.Anything, "offline").Return(nil, database.ErrConnectionExhausted)
	router := setupIngestTestRouter(svc)

	w := doJSON(router, http.MethodGet, "/api/v1/listings/A1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var l models.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &l))
	assert.Equal(t, "granada", *l.City)
	assert.Equal(t, []string{"Pool"}, l.Tags)

	w = doJSON(router, http.MethodGet, "/api/v1/listings/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/listings/broken", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "timeout")

	w = doJSON(router, http.MethodGet, "/api/v1/listings/offline", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), apierrors.ErrDatabaseConnection)
}

func TestApplyTags(t *testing.T) {
	svc := new(MockIngestService)
	svc.On("ApplyTags", mock.Anything).Return(int64(12), nil).Once()
	svc.On("ApplyTags", mock.Anything).Return(int64(0), errors.New("rolled back")).Once()
	router := setupIngestTestRouter(svc)

	w := doJSON(router, http.MethodPost, "/api/v1/listings/tags", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tagged":12}`, w.Body.String())

	w = doJSON(router, http.MethodPost, "/api/v1/listings/tags", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPreviewTags(t *testing.T) {
	svc := new(MockIngestService)
	svc.On("PreviewTags", "Cortijo con piscina y garaje").Return([]string{"Pool", "Garage"})
	router := setupIngestTestRouter(svc)

	w := doJSON(router, http.MethodPost, "/api/v1/listings/tags/preview",
		map[string]interface{}{"description": "Cortijo con piscina y garaje"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tags":["Pool","Garage"]}`, w.Body.String())

	w = doJSON(router, http.MethodPost, "/api/v1/listings/tags/preview", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierrors.ErrValidation, decodeError(t, w).Error.Code)
	svc.AssertNumberOfCalls(t, "PreviewTags", 1)
}
