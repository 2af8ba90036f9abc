package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// New registers on the default registry, so it runs once per test binary.
var testMetrics = New()

func TestMetricsRecorders(t *testing.T) {
	testMetrics.RecordHTTPRequest(http.MethodPost, "/v1/records", http.StatusCreated, 12*time.Millisecond)
	testMetrics.RecordCustodyOperation("submit", nil, 10*time.Millisecond)
	testMetrics.RecordCustodyOperation("decide", errors.New("conflict"), time.Millisecond)
	testMetrics.RecordWrapOperation("wrap", "kms", nil)
	testMetrics.RecordWrapOperation("unwrap", "rsa-oaep-sha256", errors.New("rejected"))
	testMetrics.RecordBlobOperation("put", nil, 5*time.Millisecond)
	testMetrics.RecordAnchorAttempt(errors.New("gateway down"))
	testMetrics.SetAttestationsPending(3)

	rec := httptest.NewRecorder()
	testMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "custody_operations_total")
	assert.Contains(t, body, "key_wrap_operations_total")
	assert.Contains(t, body, "attestations_pending 3")
}
