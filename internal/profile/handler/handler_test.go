package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"piivault/internal/profile/handler/mocks"
	"piivault/internal/profile/models"
	"piivault/internal/token"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/httputil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks

const (
	userToken    = "user-token"
	serviceToken = "service-token"
	tenantID     = domain.TenantID("tenant-a")
)

type HandlerSuite struct {
	suite.Suite
	router   *chi.Mux
	service  *mocks.MockService
	verifier *mocks.MockVerifier
	auditor  *mocks.MockAuditor
	user     *token.UserAccess
	svc      *token.ServiceAccess
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.verifier = mocks.NewMockVerifier(ctrl)
	s.auditor = mocks.NewMockAuditor(ctrl)
	s.user = &token.UserAccess{
		UserID:         "user-1",
		TenantID:       tenantID,
		ProfileID:      "profile-1",
		ProfileStoreID: "store-1",
		Actions:        []token.Action{token.ActionRead, token.ActionWrite},
		JTI:            "jti-user",
	}
	s.svc = &token.ServiceAccess{
		Service:        "reporting",
		TenantID:       tenantID,
		ProfileStoreID: "store-1",
		JobID:          "job-1",
		OriginalUserID: "user-1",
		Actions:        []token.Action{token.ActionBatchRead},
		JTI:            "jti-service",
	}

	s.verifier.EXPECT().Verify(gomock.Any(), userToken).Return(s.user, nil).AnyTimes()
	s.verifier.EXPECT().Verify(gomock.Any(), serviceToken).Return(s.svc, nil).AnyTimes()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(s.service, s.verifier, s.auditor, logger).Register(s.router)
}

func (s *HandlerSuite) do(method, path, bearer, tenant string, body any) *httptest.ResponseRecorder {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) errorCode(w *httptest.ResponseRecorder) string {
	var resp httputil.ErrorResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func (s *HandlerSuite) TestCreate() {
	name := "Ken"
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.service.EXPECT().
		Create(gomock.Any(), s.user, gomock.Any()).
		DoAndReturn(func(_ any, _ token.AccessContext, req *models.CreateRequest) (*models.CreateResponse, error) {
			s.Equal("profile-1", req.ID)
			s.Require().NotNil(req.GivenName)
			s.Equal("Ken", *req.GivenName)
			return &models.CreateResponse{ID: "profile-1", CreatedAt: created}, nil
		})

	w := s.do(http.MethodPost, "/profiles", userToken, string(tenantID), models.CreateRequest{
		ID:   "profile-1",
		Data: models.Data{GivenName: &name},
	})

	s.Equal(http.StatusCreated, w.Code)
	var resp models.CreateResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal(domain.ProfileID("profile-1"), resp.ID)
	s.True(created.Equal(resp.CreatedAt))
}

func (s *HandlerSuite) TestCreateRejectsUnknownFields() {
	w := s.do(http.MethodPost, "/profiles", userToken, string(tenantID), map[string]any{
		"id":      "profile-1",
		"ssn":     "000-00-0000",
		"surname": "x",
	})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal(string(dErrors.CodeBadRequest), s.errorCode(w))
}

func (s *HandlerSuite) TestGet() {
	given := "Ken"
	s.service.EXPECT().
		FindByID(gomock.Any(), s.user, "profile-1").
		Return(&models.Profile{ID: "profile-1", Data: models.Data{GivenName: &given}}, nil)

	w := s.do(http.MethodGet, "/profiles/profile-1", userToken, string(tenantID), nil)

	s.Equal(http.StatusOK, w.Code)
	var resp models.Profile
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Require().NotNil(resp.GivenName)
	s.Equal("Ken", *resp.GivenName)
}

func (s *HandlerSuite) TestUpdate() {
	family := "Adams"
	s.service.EXPECT().
		Update(gomock.Any(), s.user, "profile-1", gomock.Any()).
		DoAndReturn(func(_ any, _ token.AccessContext, _ string, req *models.UpdateRequest) (*models.UpdateResponse, error) {
			s.Equal([]string{models.FieldFamilyName}, req.Present())
			return &models.UpdateResponse{ID: "profile-1"}, nil
		})

	w := s.do(http.MethodPatch, "/profiles/profile-1", userToken, string(tenantID), models.UpdateRequest{
		Data: models.Data{FamilyName: &family},
	})
	s.Equal(http.StatusOK, w.Code)
}

func (s *HandlerSuite) TestDelete() {
	s.service.EXPECT().Delete(gomock.Any(), s.user, "profile-1").Return(nil)

	w := s.do(http.MethodDelete, "/profiles/profile-1", userToken, string(tenantID), nil)
	s.Equal(http.StatusNoContent, w.Code)
	s.Empty(w.Body.Bytes())
}

func (s *HandlerSuite) TestBatchGet() {
	s.service.EXPECT().
		BatchGet(gomock.Any(), s.svc, &models.BatchRequest{IDs: []string{"x", "y"}}).
		Return(&models.BatchResponse{
			Data:   map[domain.ProfileID]*models.Profile{"x": {ID: "x"}},
			Errors: map[domain.ProfileID]models.BatchError{"y": {Code: models.BatchErrorNotFound}},
		}, nil)

	w := s.do(http.MethodPost, "/profiles/batch", serviceToken, string(tenantID), models.BatchRequest{IDs: []string{"x", "y"}})

	s.Equal(http.StatusOK, w.Code)
	var resp models.BatchResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Contains(resp.Data, domain.ProfileID("x"))
	s.Equal(models.BatchErrorNotFound, resp.Errors["y"].Code)
}

func (s *HandlerSuite) TestServiceErrorsMapToStatus() {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", dErrors.New(dErrors.CodeNotFound, "profile not found"), http.StatusNotFound},
		{"forbidden", dErrors.New(dErrors.CodeForbidden, "access denied"), http.StatusForbidden},
		{"integrity", dErrors.New(dErrors.CodeIntegrity, "decryption failed"), http.StatusInternalServerError},
		{"unavailable", dErrors.New(dErrors.CodeUnavailable, "retry later"), http.StatusServiceUnavailable},
		{"uncoded", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.service.EXPECT().FindByID(gomock.Any(), s.user, "profile-1").Return(nil, tc.err)
			w := s.do(http.MethodGet, "/profiles/profile-1", userToken, string(tenantID), nil)
			s.Equal(tc.status, w.Code)
			s.NotContains(w.Body.String(), "decryption failed")
		})
	}
}

func (s *HandlerSuite) TestMissingTokenIsAuditedAsUnauthenticated() {
	s.auditor.EXPECT().Log(gomock.Any(), gomock.Any()).DoAndReturn(func(_ any, e audit.Entry) {
		s.Equal(tenantID, e.TenantID)
		s.Equal("profile-1", e.ProfileID)
		s.Equal(audit.ActionRead, e.Action)
		s.Equal("anonymous", e.OperatorID)
		s.Equal(audit.OutcomeUnauthenticated, e.Metadata[audit.MetadataOutcome])
	})

	w := s.do(http.MethodGet, "/profiles/profile-1", "", string(tenantID), nil)

	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal(string(dErrors.CodeUnauthorized), s.errorCode(w))
}

func (s *HandlerSuite) TestInvalidTokenMatchesMissingToken() {
	s.verifier.EXPECT().Verify(gomock.Any(), "forged").
		Return(nil, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
	s.auditor.EXPECT().Log(gomock.Any(), gomock.Any()).Times(2)

	missing := s.do(http.MethodPost, "/profiles/batch", "", string(tenantID), models.BatchRequest{IDs: []string{"x"}})
	forged := s.do(http.MethodPost, "/profiles/batch", "forged", string(tenantID), models.BatchRequest{IDs: []string{"x"}})

	s.Equal(http.StatusUnauthorized, forged.Code)
	s.Equal(missing.Body.String(), forged.Body.String())
}

func (s *HandlerSuite) TestTenantHeaderRequired() {
	w := s.do(http.MethodGet, "/profiles/profile-1", userToken, "", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestTenantHeaderMismatchIsForbidden() {
	s.auditor.EXPECT().Log(gomock.Any(), gomock.Any()).DoAndReturn(func(_ any, e audit.Entry) {
		s.Equal(tenantID, e.TenantID)
		s.Equal(audit.ActionUpdate, e.Action)
		s.Equal("user-1", e.OperatorID)
		s.Equal("jti-user", e.JWTJTI)
		s.Equal(audit.OutcomeForbidden, e.Metadata[audit.MetadataOutcome])
		s.Equal("tenant-b", e.Metadata["headerTenantId"])
	})

	w := s.do(http.MethodPatch, "/profiles/profile-1", userToken, "tenant-b", models.UpdateRequest{})

	s.Equal(http.StatusForbidden, w.Code)
	s.Equal(string(dErrors.CodeForbidden), s.errorCode(w))
}

func (s *HandlerSuite) TestActionOf() {
	cases := []struct {
		method, path string
		want         audit.Action
	}{
		{http.MethodPost, "/profiles", audit.ActionCreate},
		{http.MethodPost, "/profiles/batch", audit.ActionBatchRead},
		{http.MethodGet, "/profiles/p", audit.ActionRead},
		{http.MethodPatch, "/profiles/p", audit.ActionUpdate},
		{http.MethodDelete, "/profiles/p", audit.ActionDelete},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		s.Equal(tc.want, actionOf(req), "%s %s", tc.method, tc.path)
	}
}
