package circulation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoollib/internal/circulation"
)

func newTestServer(t *testing.T, env *testEnv, opts ...circulation.HandlerOption) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	circulation.NewHandler(env.svc, opts...).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHTTPLoanFlow(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	_, copies := env.addTitle(1)

	// Lend the copy
	resp := post(t, srv.URL+"/loans", map[string]any{
		"borrower_id": uuid.New(),
		"copy_id":     copies[0].ID,
		"term_days":   21,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loan := decode[circulation.Loan](t, resp)
	assert.Equal(t, today.AddDate(0, 0, 21), loan.DueDate.UTC())

	// The copy is taken
	resp = post(t, srv.URL+"/loans", map[string]any{"borrower_id": uuid.New(), "copy_id": copies[0].ID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv.URL+"/copies/"+copies[0].ID.String()+"/availability")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"available": false}, decode[map[string]bool](t, resp))

	// Return it
	resp = post(t, srv.URL+"/loans/"+loan.ID.String()+"/return", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	returned := decode[circulation.Loan](t, resp)
	assert.NotNil(t, returned.ReturnDate)

	// Returning twice is a client error
	resp = post(t, srv.URL+"/loans/"+loan.ID.String()+"/return", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	tests := []struct {
		name string
		do   func() *http.Response
		want int
	}{
		{
			name: "malformed body",
			do: func() *http.Response {
				resp, err := http.Post(srv.URL+"/loans", "application/json", bytes.NewBufferString("{"))
				require.NoError(t, err)
				t.Cleanup(func() { resp.Body.Close() })
				return resp
			},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid term",
			do: func() *http.Response {
				return post(t, srv.URL+"/loans", map[string]any{"borrower_id": uuid.New(), "copy_id": uuid.New(), "term_days": -1})
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown copy",
			do: func() *http.Response {
				return post(t, srv.URL+"/loans", map[string]any{"borrower_id": uuid.New(), "copy_id": uuid.New()})
			},
			want: http.StatusNotFound,
		},
		{
			name: "unknown loan",
			do:   func() *http.Response { return post(t, srv.URL+"/loans/"+uuid.NewString()+"/return", nil) },
			want: http.StatusNotFound,
		},
		{
			name: "bad id",
			do:   func() *http.Response { return post(t, srv.URL+"/loans/not-a-uuid/return", nil) },
			want: http.StatusBadRequest,
		},
		{
			name: "unknown reservation",
			do:   func() *http.Response { return post(t, srv.URL+"/reservations/"+uuid.NewString()+"/approve", nil) },
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.do().StatusCode)
		})
	}
}

func TestHTTPApproveReservation(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	title, copies := env.addTitle(1)
	first := env.addReservation(title.ID)
	second := env.addReservation(title.ID)

	resp := post(t, srv.URL+"/reservations/"+first.ID.String()+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approval := decode[circulation.Approval](t, resp)
	assert.Equal(t, copies[0].ID, approval.Loan.CopyID)
	assert.Equal(t, circulation.PathConsistent, approval.Path)
	assert.Equal(t, circulation.ReservationApproved, approval.Reservation.Status)

	resp = post(t, srv.URL+"/reservations/"+second.ID.String()+"/approve", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[struct {
		Error       string                           `json:"error"`
		Diagnostics circulation.NoCopyAvailableError `json:"diagnostics"`
	}](t, resp)
	assert.Equal(t, 1, body.Diagnostics.CopiesTotal)
	assert.Equal(t, 1, body.Diagnostics.ActiveLoans)

	resp = post(t, srv.URL+"/reservations/"+second.ID.String()+"/reject", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, circulation.ReservationRejected, decode[circulation.Reservation](t, resp).Status)

	resp = post(t, srv.URL+"/reservations/"+first.ID.String()+"/approve", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPApproveRateLimit(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env, circulation.WithApproveRate(1))

	resp := post(t, srv.URL+"/reservations/"+uuid.NewString()+"/approve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, srv.URL+"/reservations/"+uuid.NewString()+"/approve", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHTTPLockTimeout(t *testing.T) {
	env := newTestEnv(t, circulation.WithLockTimeout(20*time.Millisecond))
	srv := newTestServer(t, env)
	_, copies := env.addTitle(1)
	release, err := env.mem.Lock(context.Background(), "copy:"+copies[0].ID.String())
	require.NoError(t, err)
	defer release()

	resp := post(t, srv.URL+"/loans", map[string]any{"borrower_id": uuid.New(), "copy_id": copies[0].ID})

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPInspectAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	_, copies := env.addTitle(1)
	env.addLoan(uuid.New(), copies[0].ID, today, nil)

	resp := get(t, srv.URL+"/copies/"+copies[0].ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inspected := decode[map[string]any](t, resp)
	assert.Equal(t, true, inspected["drifted"])
	assert.Equal(t, false, inspected["available_by_history"])

	resp = post(t, srv.URL+"/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[circulation.SweepReport](t, resp)
	assert.Equal(t, 1, report.Repaired)

	resp = get(t, srv.URL+"/copies/"+copies[0].ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decode[map[string]any](t, resp)["drifted"])
}

// latencySamples reads the request latency histogram count for one route.
func latencySamples(t *testing.T, method, endpoint string) uint64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "circulation_http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["endpoint"] == endpoint {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestHTTPEveryRouteRecordsLatency(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)
	title, copies := env.addTitle(1)
	res := env.addReservation(title.ID)

	routes := []struct {
		method   string
		endpoint string
		call     func() *http.Response
	}{
		{http.MethodPost, "/reservations/{id}/reject", func() *http.Response {
			return post(t, srv.URL+"/reservations/"+res.ID.String()+"/reject", nil)
		}},
		{http.MethodGet, "/copies/{id}", func() *http.Response {
			return get(t, srv.URL+"/copies/"+copies[0].ID.String())
		}},
		{http.MethodGet, "/copies/{id}/availability", func() *http.Response {
			return get(t, srv.URL+"/copies/"+copies[0].ID.String()+"/availability")
		}},
		{http.MethodPost, "/admin/reconcile", func() *http.Response {
			return post(t, srv.URL+"/admin/reconcile", nil)
		}},
	}

	for _, rt := range routes {
		before := latencySamples(t, rt.method, rt.endpoint)

		resp := rt.call()

		require.Equal(t, http.StatusOK, resp.StatusCode, rt.endpoint)
		assert.Equal(t, before+1, latencySamples(t, rt.method, rt.endpoint), rt.endpoint)
	}
}
