package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(1, 1)(base))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &body))
	require.Equal(t, codeRateLimited, body.Code)
	require.NotEmpty(t, body.Error)
	require.NotEmpty(t, body.RequestID)

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	require.Equal(t, http.StatusOK, rr3.Code)
}

func TestRateLimitSharedAcrossRoutes(t *testing.T) {
	r := chi.NewRouter()
	r.Group(func(limited chi.Router) {
		limited.Use(RateLimit(2, 1))
		for _, path := range []string{"/login", "/register", "/refresh", "/logout"} {
			limited.Post(path, func(w http.ResponseWriter, r *http.Request) {})
		}
	})

	var codes []int
	for _, path := range []string{"/login", "/login", "/login", "/refresh", "/register", "/logout"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.9:5555"
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{200, 200, 429, 429, 429, 429}, codes)
}

func TestClientIPResolution(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", ""})
	require.NoError(t, err)

	tests := []struct {
		name    string
		proxies TrustedProxies
		remote  string
		xff     []string
		want    string
	}{
		{name: "no proxies ignores header", remote: "203.0.113.5:1000", xff: []string{"1.2.3.4"}, want: "203.0.113.5"},
		{name: "untrusted peer ignores header", proxies: proxies, remote: "203.0.113.5:1000", xff: []string{"1.2.3.4"}, want: "203.0.113.5"},
		{name: "trusted peer uses last untrusted hop", proxies: proxies, remote: "10.1.2.3:1000", xff: []string{"1.2.3.4, 198.51.100.7, 10.9.9.9"}, want: "198.51.100.7"},
		{name: "multiple header lines", proxies: proxies, remote: "192.0.2.1:1000", xff: []string{"1.2.3.4", "198.51.100.8"}, want: "198.51.100.8"},
		{name: "all hops trusted falls back to peer", proxies: proxies, remote: "10.1.2.3:1000", xff: []string{"10.4.4.4"}, want: "10.1.2.3"},
		{name: "trusted peer without header", proxies: proxies, remote: "10.1.2.3:1000", want: "10.1.2.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			require.Equal(t, tc.want, tc.proxies.Resolve(req))
		})
	}

	_, err = ParseTrustedProxies([]string{"not-a-cidr/8"})
	require.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	require.Error(t, err)
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	proxies, err := ParseTrustedProxies([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	handler := RequestID(ClientIP(proxies)(LoggingJSON(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))))

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", nil)
	req.Header.Set(requestIDHeader, "req-123")
	req.RemoteAddr = "192.0.2.10:4711"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.7")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, "req-123", rr.Header().Get(requestIDHeader))
	entries := logs.FilterMessage("request_complete").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-123", fields["request_id"])
	require.Equal(t, http.MethodPost, fields["method"])
	require.Equal(t, "/api/tickets", fields["path"])
	require.EqualValues(t, http.StatusAccepted, fields["status"])
	require.Equal(t, "203.0.113.7", fields["remote_ip"])
	require.Contains(t, fields, "duration_ms")
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rr.Header().Get(requestIDHeader))
}

func TestRecoverReturnsInternal(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RequestID(Recover(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, codeInternal, body.Code)
	require.Equal(t, 1, logs.FilterMessage("handler panic").Len())
}

func TestCORS(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/tickets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range tests {
		got, err := extractBearerToken(tc.header)
		if tc.ok {
			require.NoError(t, err, tc.header)
			require.Equal(t, tc.token, got)
		} else {
			require.Error(t, err, tc.header)
		}
	}
}
