package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/orders/{id}", "418"))
	if got != 3 {
		t.Errorf("expected 3 requests under the route pattern, got %v", got)
	}
}

func TestSetConnected(t *testing.T) {
	SetConnected("paper", true)
	if v := testutil.ToFloat64(BrokerConnected.WithLabelValues("paper")); v != 1 {
		t.Errorf("connected gauge = %v", v)
	}
	SetConnected("paper", false)
	if v := testutil.ToFloat64(BrokerConnected.WithLabelValues("paper")); v != 0 {
		t.Errorf("disconnected gauge = %v", v)
	}
}

func TestStatusWriter_Hijack(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("recorder cannot be hijacked; expected an error")
	}
}
