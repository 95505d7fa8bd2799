package participant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/presence"
)

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, ids []string) []domain.Participant {
	args := m.Called(ctx, ids)
	return args.Get(0).([]domain.Participant)
}

type MockOnline struct {
	mock.Mock
}

func (m *MockOnline) Online(ctx context.Context) ([]presence.Entry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]presence.Entry), args.Error(1)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Details map[string]int `json:"details"`
	} `json:"error"`
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/participants", h.ResolveParticipants)
	r.GET("/v1/presence", h.ListOnline)
	return r
}

func get(t *testing.T, r *gin.Engine, path string) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func TestResolveParticipants_DedupesIDs(t *testing.T) {
	resolver := new(MockResolver)
	resolver.On("Resolve", mock.Anything, []string{"u1", "u2"}).
		Return([]domain.Participant{{ID: "u1", DisplayName: "Ada"}, {ID: "u2", DisplayName: "u2"}})

	code, env := get(t, newRouter(NewHandler(resolver, nil, nil)), "/v1/participants?ids=u1,%20u2,u1,")

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	var data struct {
		Participants []domain.Participant `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Participants, 2)
	assert.Equal(t, "Ada", data.Participants[0].DisplayName)
	resolver.AssertExpectations(t)
}

func TestResolveParticipants_RequiresIDs(t *testing.T) {
	resolver := new(MockResolver)

	code, env := get(t, newRouter(NewHandler(resolver, nil, nil)), "/v1/participants")

	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "MISSING_FIELD", env.Error.Code)
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestResolveParticipants_RejectsTooManyIDs(t *testing.T) {
	resolver := new(MockResolver)
	ids := make([]string, maxResolveIDs+1)
	for i := range ids {
		ids[i] = "u" + strconv.Itoa(i)
	}

	code, env := get(t, newRouter(NewHandler(resolver, nil, nil)), "/v1/participants?ids="+strings.Join(ids, ","))

	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
	assert.Equal(t, maxResolveIDs, env.Error.Details["max"])
	assert.Equal(t, maxResolveIDs+1, env.Error.Details["requested"])
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestResolveParticipants_RejectsOverlongID(t *testing.T) {
	resolver := new(MockResolver)

	code, env := get(t, newRouter(NewHandler(resolver, nil, nil)), "/v1/participants?ids=u1,"+strings.Repeat("x", maxIDLength+1))

	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestListOnline_UsesStore(t *testing.T) {
	online := new(MockOnline)
	online.On("Online", mock.Anything).Return([]presence.Entry{{UserID: "u1", Name: "Ada"}}, nil)

	code, env := get(t, newRouter(NewHandler(nil, online, nil)), "/v1/presence")

	assert.Equal(t, http.StatusOK, code)
	var data struct {
		Online []presence.Entry `json:"online"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Online, 1)
	assert.Equal(t, "Ada", data.Online[0].Name)
}

func TestListOnline_FallsBackToLocalConnections(t *testing.T) {
	online := new(MockOnline)
	online.On("Online", mock.Anything).Return(nil, errors.New("redis down"))
	local := func() []string { return []string{"u3"} }

	code, env := get(t, newRouter(NewHandler(nil, online, local)), "/v1/presence")

	assert.Equal(t, http.StatusOK, code)
	var data struct {
		Online []presence.Entry `json:"online"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Online, 1)
	assert.Equal(t, "u3", data.Online[0].UserID)
}
