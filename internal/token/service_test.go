package token_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"piivault/internal/token"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/requestcontext"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type recordingAuditor struct {
	entries []audit.Entry
}

func (a *recordingAuditor) Log(_ context.Context, e audit.Entry) {
	a.entries = append(a.entries, e)
}

type ServiceSuite struct {
	suite.Suite
	auditor *recordingAuditor
	service *token.Service
	now     time.Time
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.auditor = &recordingAuditor{}
	s.service = token.NewService(testSecret, token.WithAuditor(s.auditor))
	s.now = time.Now().Truncate(time.Second)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *ServiceSuite) userRequest() token.UserTokenRequest {
	return token.UserTokenRequest{
		UserID:         "user-1",
		TenantID:       "tenant-1",
		TenantSchema:   "tenant_1",
		ProfileID:      "P1",
		ProfileStoreID: "store-1",
		Actions:        []token.Action{token.ActionRead, token.ActionWrite},
	}
}

func (s *ServiceSuite) serviceRequest() token.ServiceTokenRequest {
	return token.ServiceTokenRequest{
		ServiceName:    "report-worker",
		TenantID:       "tenant-1",
		ProfileStoreID: "store-1",
		JobID:          "job-9",
		OriginalUserID: "user-1",
		Actions:        []token.Action{token.ActionBatchRead},
	}
}

func (s *ServiceSuite) TestUserTokenRoundTrip() {
	issued, err := s.service.IssueUserAccessToken(s.ctx, s.userRequest())
	s.Require().NoError(err)
	s.Equal(300, issued.ExpiresIn)
	s.NotEmpty(issued.JTI)

	access, err := s.service.Verify(s.ctx, issued.Token)
	s.Require().NoError(err)
	user, ok := access.(*token.UserAccess)
	s.Require().True(ok)
	s.Equal("user-1", string(user.UserID))
	s.Equal("tenant-1", string(user.TenantID))
	s.Equal("tenant_1", user.TenantSchema)
	s.Equal("P1", string(user.ProfileID))
	s.Equal("store-1", string(user.ProfileStoreID))
	s.Equal(issued.JTI, user.JTI)
	s.True(user.Can(token.ActionWrite))
	s.False(user.Can(token.ActionBatchRead))
	s.True(s.now.Add(300 * time.Second).Equal(user.ExpiresAt))
}

func (s *ServiceSuite) TestServiceTokenRoundTrip() {
	issued, err := s.service.IssueServiceToken(s.ctx, s.serviceRequest())
	s.Require().NoError(err)
	s.Equal(1800, issued.ExpiresIn)

	access, err := s.service.Verify(s.ctx, issued.Token)
	s.Require().NoError(err)
	svc, ok := access.(*token.ServiceAccess)
	s.Require().True(ok)
	s.Equal("report-worker", svc.Operator())
	s.Equal("job-9", string(svc.JobID))
	s.Equal("user-1", string(svc.OriginalUserID))
	s.True(svc.Can(token.ActionBatchRead))
	s.False(svc.Can(token.ActionRead))
}

func (s *ServiceSuite) TestWireClaimNames() {
	issued, err := s.service.IssueServiceToken(s.ctx, s.serviceRequest())
	s.Require().NoError(err)

	raw := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(issued.Token, raw)
	s.Require().NoError(err)
	for _, name := range []string{"sub", "tenantId", "profileStoreId", "type", "jobId", "originalUserId", "actions", "iat", "exp", "jti"} {
		s.Contains(raw, name)
	}
	s.Equal("report_service", raw["type"])
}

func (s *ServiceSuite) TestIssuanceIsAudited() {
	issued, err := s.service.IssueUserAccessToken(s.ctx, s.userRequest())
	s.Require().NoError(err)
	_, err = s.service.IssueServiceToken(s.ctx, s.serviceRequest())
	s.Require().NoError(err)

	s.Require().Len(s.auditor.entries, 2)
	user := s.auditor.entries[0]
	s.Equal(audit.ActionTokenIssued, user.Action)
	s.Equal("P1", user.ProfileID)
	s.Equal("user-1", user.OperatorID)
	s.Equal(issued.JTI, user.JWTJTI)
	s.Equal(300, user.Metadata["expiresIn"])

	svc := s.auditor.entries[1]
	s.Equal(audit.ProfileBatch, svc.ProfileID)
	s.Equal("job-9", svc.Metadata["jobId"])
}

func (s *ServiceSuite) TestIssuanceRejectsForeignActions() {
	req := s.userRequest()
	req.Actions = []token.Action{token.ActionBatchRead}
	_, err := s.service.IssueUserAccessToken(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	sreq := s.serviceRequest()
	sreq.Actions = []token.Action{token.ActionWrite}
	_, err = s.service.IssueServiceToken(s.ctx, sreq)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	req = s.userRequest()
	req.Actions = nil
	_, err = s.service.IssueUserAccessToken(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	req = s.userRequest()
	req.ProfileID = " "
	_, err = s.service.IssueUserAccessToken(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	s.Empty(s.auditor.entries)
}

func (s *ServiceSuite) TestExpiredTokenRejected() {
	issued, err := s.service.IssueUserAccessToken(s.ctx, s.userRequest())
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), s.now.Add(301*time.Second))
	_, err = s.service.Verify(later, issued.Token)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestWrongSecretRejected() {
	other := token.NewService([]byte("ffffffffffffffffffffffffffffffff"))
	issued, err := other.IssueUserAccessToken(s.ctx, s.userRequest())
	s.Require().NoError(err)

	_, err = s.service.Verify(s.ctx, issued.Token)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) sign(claims jwt.MapClaims, method jwt.SigningMethod, key any) string {
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	s.Require().NoError(err)
	return raw
}

func (s *ServiceSuite) baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":            "user-1",
		"tenantId":       "tenant-1",
		"profileId":      "P1",
		"profileStoreId": "store-1",
		"type":           "pii_access",
		"actions":        []string{"read"},
		"iat":            s.now.Unix(),
		"exp":            s.now.Add(time.Minute).Unix(),
		"jti":            "jti-1",
	}
}

func (s *ServiceSuite) TestMalformedClaimsCollapseToUnauthorized() {
	cases := map[string]func(jwt.MapClaims){
		"missing exp":          func(c jwt.MapClaims) { delete(c, "exp") },
		"unknown type":         func(c jwt.MapClaims) { c["type"] = "admin" },
		"user without profile": func(c jwt.MapClaims) { delete(c, "profileId") },
		"service without job": func(c jwt.MapClaims) {
			c["type"] = "report_service"
			c["actions"] = []string{"batch_read"}
		},
		"user with batch_read": func(c jwt.MapClaims) { c["actions"] = []string{"batch_read"} },
		"service with read": func(c jwt.MapClaims) {
			c["type"] = "report_service"
			c["jobId"] = "job-1"
		},
		"no actions":     func(c jwt.MapClaims) { c["actions"] = []string{} },
		"missing tenant": func(c jwt.MapClaims) { delete(c, "tenantId") },
		"missing jti":    func(c jwt.MapClaims) { delete(c, "jti") },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			claims := s.baseClaims()
			mutate(claims)
			_, err := s.service.Verify(s.ctx, s.sign(claims, jwt.SigningMethodHS256, testSecret))
			s.Require().Error(err)
			s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
		})
	}

	// Sanity check that the base claims are accepted.
	_, err := s.service.Verify(s.ctx, s.sign(s.baseClaims(), jwt.SigningMethodHS256, testSecret))
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestNonHS256Rejected() {
	raw := s.sign(s.baseClaims(), jwt.SigningMethodHS512, testSecret)
	_, err := s.service.Verify(s.ctx, raw)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	unsigned := s.sign(s.baseClaims(), jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)
	_, err = s.service.Verify(s.ctx, unsigned)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestGarbageRejectedWithSameError() {
	_, errGarbage := s.service.Verify(s.ctx, "not-a-token")
	claims := s.baseClaims()
	claims["exp"] = s.now.Add(-time.Minute).Unix()
	_, errExpired := s.service.Verify(s.ctx, s.sign(claims, jwt.SigningMethodHS256, testSecret))
	s.Require().Error(errGarbage)
	s.Require().Error(errExpired)
	s.Equal(errGarbage.Error(), errExpired.Error())
}

func TestResolveSecret(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	secret, err := token.ResolveSecret(string(testSecret), true, logger)
	require.NoError(t, err)
	assert.Equal(t, testSecret, secret)

	_, err = token.ResolveSecret("", true, logger)
	assert.ErrorIs(t, err, token.ErrWeakSecret)
	_, err = token.ResolveSecret("short", true, logger)
	assert.ErrorIs(t, err, token.ErrWeakSecret)

	a, err := token.ResolveSecret("", false, logger)
	require.NoError(t, err)
	b, err := token.ResolveSecret("", false, logger)
	require.NoError(t, err)
	assert.Len(t, a, token.MinSecretLength)
	assert.NotEqual(t, a, b)
}

func TestAccessContext(t *testing.T) {
	ctx := context.Background()
	_, ok := token.AccessFromContext(ctx)
	assert.False(t, ok)

	user := &token.UserAccess{UserID: "u1", Actions: []token.Action{token.ActionRead}}
	got, ok := token.AccessFromContext(token.WithAccess(ctx, user))
	require.True(t, ok)
	assert.Same(t, user, got)
}
