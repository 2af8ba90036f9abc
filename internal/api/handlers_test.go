package api

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristsafe/custody/internal/blob"
	"github.com/touristsafe/custody/internal/crypto"
	"github.com/touristsafe/custody/internal/custody"
)

var signingKey = []byte("test-signing-key")

func mustGranteeKeyPair(t *testing.T) (publicPEM, privatePEM []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return publicPEM, privatePEM
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	chain, err := crypto.NewWrapChain(crypto.WrapChainOptions{})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	service := custody.NewService(custody.ServiceOptions{
		Store:       custody.NewMemoryStore(),
		Blobs:       blob.NewMemoryStore(),
		Chain:       chain,
		Logger:      logger,
		SubjectSalt: "test-salt",
	})

	handler := NewHandler(service, logger, nil)
	router := mux.NewRouter()
	handler.RegisterHealthRoutes(router)

	apiRouter := router.PathPrefix("/").Subrouter()
	apiRouter.Use(AuthMiddleware(signingKey))
	handler.RegisterRoutes(apiRouter)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, role, subject, phone string) string {
	t.Helper()
	claims := Claims{
		Role:  role,
		Phone: phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, method, url, bearer string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func submitRecord(t *testing.T, srv *httptest.Server, bearer string) recordResponse {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", bearer, submitRequest{
		SubjectRef: "+91 98765 43210",
		Payload: custody.Payload{
			FullName: "Asha Rao",
			KYCID:    "X1",
			DOB:      "1990-04-12",
			Address:  "12 Marine Drive",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var rec recordResponse
	require.NoError(t, json.Unmarshal(body, &rec))
	return rec
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "admin"}).
		SignedString([]byte("wrong-key"))
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/records", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health probes stay open.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := submitRecord(t, srv, token(t, "tourist", "tourist-1", "+91 98765 43210"))
	assert.Equal(t, "SUBMITTED", rec.State)
	assert.Equal(t, string(crypto.MethodInsecureDev), rec.WrapMethod)
	assert.NotEmpty(t, rec.BlobID)
}

func TestSubmitForOtherSubjectForbidden(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/records",
		token(t, "tourist", "tourist-2", "5550001111"),
		submitRequest{
			SubjectRef: "+91 98765 43210",
			Payload:    custody.Payload{FullName: "A", KYCID: "X", DOB: "1990-04-12", Address: "B"},
		})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Operators may submit on behalf of any subject.
	submitRecord(t, srv, token(t, "verifier", "verifier-1", ""))
}

func TestSubmitValidationError(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records",
		token(t, "verifier", "verifier-1", ""),
		submitRequest{SubjectRef: "9198765432", Payload: custody.Payload{FullName: "A"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "invalid request", errResp.Error)
}

func TestPayloadEndpoint(t *testing.T) {
	srv := newTestServer(t)
	verifier := token(t, "verifier", "verifier-1", "")
	rec := submitRecord(t, srv, verifier)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+rec.ID+"/payload", verifier, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload custody.Payload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "Asha Rao", payload.FullName)
	assert.Equal(t, "X1", payload.KYCID)

	// Auditors see metadata but never plaintext.
	auditor := token(t, "auditor", "auditor-1", "")
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+rec.ID+"/payload", auditor, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+rec.ID, auditor, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDecideEndpoint(t *testing.T) {
	srv := newTestServer(t)
	verifier := token(t, "verifier", "verifier-1", "")
	rec := submitRecord(t, srv, verifier)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+rec.ID+"/decision", verifier,
		decideRequest{Approved: true, Reviewer: "verifier-1", Note: "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decided recordResponse
	require.NoError(t, json.Unmarshal(body, &decided))
	assert.Equal(t, "APPROVED", decided.State)
	assert.NotNil(t, decided.DecidedAt)

	// Terminal state: a second decision conflicts.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+rec.ID+"/decision", verifier,
		decideRequest{Approved: false, Reviewer: "verifier-2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGrantRevokeResolveEndpoints(t *testing.T) {
	srv := newTestServer(t)
	verifier := token(t, "verifier", "verifier-1", "")
	rec := submitRecord(t, srv, verifier)

	pubPEM, privPEM := mustGranteeKeyPair(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+rec.ID+"/grants", verifier,
		grantRequest{GranteeID: "hotel-checkin", GranteePublicKey: string(pubPEM)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var grant grantResponse
	require.NoError(t, json.Unmarshal(body, &grant))
	assert.Equal(t, "hotel-checkin", grant.GranteeID)
	assert.False(t, grant.Revoked)

	// The grantee fetches their wrapped copy and unwraps it locally.
	grantee := token(t, "tourist", "hotel-checkin", "")
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/grants/"+grant.ID+"/key", grantee, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var keyResp granteeKeyResponse
	require.NoError(t, json.Unmarshal(body, &keyResp))
	assert.Equal(t, string(crypto.MethodAsymmetric), keyResp.WrapMethod)
	dataKey, err := crypto.UnwrapWithPrivateKey(keyResp.WrappedKey, privPEM)
	require.NoError(t, err)
	assert.Len(t, dataKey, crypto.DataKeySize)

	// A stranger cannot fetch it.
	stranger := token(t, "tourist", "someone-else", "")
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/grants/"+grant.ID+"/key", stranger, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+rec.ID+"/grants", verifier, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grants []grantResponse
	require.NoError(t, json.Unmarshal(body, &grants))
	assert.Len(t, grants, 1)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/grants/"+grant.ID+"/revoke", verifier, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Revocation is enforced at resolution time for everyone.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/grants/"+grant.ID+"/key", grantee, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeleteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	admin := token(t, "admin", "admin-1", "")
	rec := submitRecord(t, srv, admin)

	verifier := token(t, "verifier", "verifier-1", "")
	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/v1/records/"+rec.ID, verifier, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/records/"+rec.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+rec.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadRecordID(t *testing.T) {
	srv := newTestServer(t)
	admin := token(t, "admin", "admin-1", "")

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/records/not-a-uuid", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+fmt.Sprintf("/v1/records/%s", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"), admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
