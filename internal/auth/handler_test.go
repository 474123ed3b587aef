package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/pkg/utils"
)

func newMintRouter(t *testing.T, streamKeyHash string) (*gin.Engine, *JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := NewJWTService("test-secret", 1)
	handler := NewHandler(svc, streamKeyHash, nil)
	router := gin.New()
	router.POST("/channels/:id/tokens", handler.Mint)
	return router, svc
}

func mint(t *testing.T, router *gin.Engine, channelID uuid.UUID, req TokenRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/channels/"+channelID.String()+"/tokens", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, r)
	return w
}

func mintedToken(t *testing.T, w *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	var body struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data
}

func TestMintFreshViewerToken(t *testing.T) {
	router, svc := newMintRouter(t, "")
	channelID := uuid.New()

	w := mint(t, router, channelID, TokenRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	resp := mintedToken(t, w)
	assert.Equal(t, models.RoleViewer, resp.Role)
	_, err := uuid.Parse(resp.ParticipantID)
	require.NoError(t, err)

	claims, err := svc.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, channelID, claims.ChannelID)
	assert.Equal(t, models.RoleViewer, claims.Role)
}

func TestMintKeepsResentParticipantID(t *testing.T) {
	router, _ := newMintRouter(t, "")
	participantID := uuid.New().String()

	w := mint(t, router, uuid.New(), TokenRequest{ParticipantID: participantID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, participantID, mintedToken(t, w).ParticipantID)
}

func TestMintRejectsReservedHostID(t *testing.T) {
	router, _ := newMintRouter(t, "")

	w := mint(t, router, uuid.New(), TokenRequest{ParticipantID: models.HostParticipantID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMintRejectsNonUUIDParticipantID(t *testing.T) {
	router, _ := newMintRouter(t, "")

	w := mint(t, router, uuid.New(), TokenRequest{ParticipantID: "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMintHostTokenRequiresStreamKey(t *testing.T) {
	hash, err := utils.HashStreamKey("sekret")
	require.NoError(t, err)
	router, _ := newMintRouter(t, hash)
	channelID := uuid.New()

	w := mint(t, router, channelID, TokenRequest{StreamKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = mint(t, router, channelID, TokenRequest{StreamKey: "sekret"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := mintedToken(t, w)
	assert.Equal(t, models.RoleHost, resp.Role)
	assert.Equal(t, models.HostParticipantID, resp.ParticipantID)
}

func TestMintHostTokenDisabledWithoutHash(t *testing.T) {
	router, _ := newMintRouter(t, "")

	w := mint(t, router, uuid.New(), TokenRequest{StreamKey: "anything"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
