package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/slicealign/align"
)

func doRequest(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlers_Health(t *testing.T) {
	app := NewApp()
	r := newHTTPServer(app)

	w := doRequest(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
	assert.Equal(t, float64(0), body["atlasVersion"])
	assert.Equal(t, false, body["mqtt"])
}

func TestHandlers_Metrics(t *testing.T) {
	align.RegisterMetrics()
	r := newHTTPServer(NewApp())
	doRequest(t, r, http.MethodGet, "/health", nil)
	doRequest(t, r, http.MethodGet, "/nowhere", nil)

	w := doRequest(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `slicealign_http_requests_total{method="GET",path="/health",status="200"}`)
	assert.Contains(t, w.Body.String(), `path="unmatched",status="404"`)
}

func TestHandlers_CORS(t *testing.T) {
	r := newHTTPServer(NewApp())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlers_UnknownSession(t *testing.T) {
	r := newHTTPServer(NewApp())
	for _, path := range []string{
		"/sessions/nope",
		"/sessions/nope/overlay.svg",
		"/sessions/nope/overlay.png",
		"/sessions/nope/geometry.geojson",
		"/sessions/nope/lmd.xml",
	} {
		t.Run(path, func(t *testing.T) {
			w := doRequest(t, r, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}

	w := doRequest(t, r, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())
}

func TestHandlers_SessionViews(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	app := processedApp(t, nil)
	res, _ := app.Sessions.Get("s1")
	unexported := *res
	unexported.ID = "s2"
	unexported.Excision = nil
	app.Sessions.Put(&unexported)
	r := newHTTPServer(app)

	tests := []struct {
		name        string
		path        string
		status      int
		contentType string
		contains    string
	}{
		{"List", "/sessions", http.StatusOK, "application/json", `"id":"s1"`},
		{"Detail", "/sessions/s1", http.StatusOK, "application/json", `"affine"`},
		{"SVG", "/sessions/s1/overlay.svg", http.StatusOK, "image/svg+xml", "<svg"},
		{"PNG", "/sessions/s1/overlay.png", http.StatusOK, "image/png", "PNG"},
		{"GeoJSON", "/sessions/s1/geometry.geojson", http.StatusOK, "application/geo+json", `"FeatureCollection"`},
		{"GeoJSONUnexported", "/sessions/s2/geometry.geojson", http.StatusOK, "application/geo+json", `"FeatureCollection"`},
		{"LMD", "/sessions/s1/lmd.xml", http.StatusOK, "application/xml", "<ImageData>"},
		{"LMDUnexported", "/sessions/s2/lmd.xml", http.StatusConflict, "application/json", "no exportable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, r, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), tt.contentType), w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}

func TestHandlers_PostEdits(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	app := processedApp(t, nil)
	r := newHTTPServer(app)

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"BadJSON", "s1", `{"pixels":`, http.StatusBadRequest},
		{"UnknownRegion", "s1", `{"pixels":[{"x":1,"y":1,"region":77}]}`, http.StatusBadRequest},
		{"OutsideMap", "s1", `{"pixels":[{"x":500,"y":1,"region":0}]}`, http.StatusBadRequest},
		{"UnknownSession", "nope", `{"pixels":[{"x":1,"y":1,"region":0}]}`, http.StatusNotFound},
		{"Accepted", "s1", `{"note":"trim","pixels":[{"x":16,"y":16,"region":0}]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, r, http.MethodPost, "/sessions/"+tt.id+"/edits", bytes.NewBufferString(tt.body))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	res, _ := app.Sessions.Get("s1")
	require.Len(t, res.Edits.Edits, 1)
	assert.Equal(t, align.EditManual, res.Edits.Edits[0].Source)
	assert.Equal(t, "trim", res.Edits.Edits[0].Note)
	assert.Equal(t, uint32(0), res.RegionMap.At(16, 16))

	var detail map[string]interface{}
	w := doRequest(t, r, http.MethodGet, "/sessions/s1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, float64(1), detail["edits"])
	assert.Equal(t, float64(1), detail["manualEdits"])
	assert.Contains(t, detail, "rotationDeg")
	assert.NotContains(t, detail, "publishedAt")
}
