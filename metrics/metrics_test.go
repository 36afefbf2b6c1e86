package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(routingDecisions.WithLabelValues("human_review"))
	RoutingDecision("human_review")
	assert.Equal(t, before+1, testutil.ToFloat64(routingDecisions.WithLabelValues("human_review")))
}

func TestHandlerExposesEngageMetrics(t *testing.T) {
	TaskCreated("post")

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "engage_tasks_created_total"))
}
