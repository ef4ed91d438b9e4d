package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"math"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readstudy/pkg/study"
	"readstudy/pkg/volume"
)

const testPassword = "123456"

// writeVolume stores a depth×2×2 volume where slice z holds z*100 HU.
func writeVolume(t *testing.T, dir, patientID string, depth int) {
	t.Helper()
	data := make([]float32, depth*4)
	for i := range data {
		data[i] = float32(i/4) * 100
	}
	f, err := os.Create(filepath.Join(dir, patientID+".npy"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, volume.EncodeNpy(f, &volume.Volume{
		Data: data, Depth: depth, Height: 2, Width: 2, DType: "float32",
	}))
}

func setupTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return setupTestServerWith(t, func(*Config) {})
}

func setupTestServerWith(t *testing.T, configure func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	writeVolume(t, dir, "patient_001", 3)
	writeVolume(t, dir, "patient_002", 5)

	db, err := study.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := Config{
		Volumes:       volume.NewStore(dir),
		Study:         db,
		Auth:          study.NewAuthenticator(study.HashPassword(testPassword)),
		SessionSecret: "test-secret",
	}
	configure(&cfg)
	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func postJSON(t *testing.T, c *http.Client, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := c.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, c *http.Client, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := c.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func login(t *testing.T, c *http.Client, base, name string) {
	t.Helper()
	resp, body := postJSON(t, c, base+"/api/auth/login", map[string]string{
		"affiliation": "Hospital", "name": name, "password": testPassword,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, true, body["success"])
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRoot(t *testing.T) {
	_, ts := setupTestServer(t)
	resp, body := getJSON(t, http.DefaultClient, ts.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
}

func TestLogin(t *testing.T) {
	srv, ts := setupTestServer(t)
	c := newClient(t)

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"wrong password", map[string]string{"affiliation": "H", "name": "A", "password": "nope"}, http.StatusUnauthorized},
		{"missing name", map[string]string{"affiliation": "H", "name": " ", "password": testPassword}, http.StatusBadRequest},
		{"ok", map[string]string{"affiliation": "H", "name": "A", "password": testPassword}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postJSON(t, c, ts.URL+"/api/auth/login", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
	assert.Equal(t, 1, srv.ActiveSessions())

	_, status := getJSON(t, c, ts.URL+"/api/auth/status")
	assert.Equal(t, true, status["authenticated"])

	resp, _ := postJSON(t, c, ts.URL+"/api/auth/logout", map[string]string{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, srv.ActiveSessions())

	_, status = getJSON(t, c, ts.URL+"/api/auth/status")
	assert.Equal(t, false, status["authenticated"])
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestIdleSessionExpires(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	srv, ts := setupTestServerWith(t, func(cfg *Config) {
		cfg.SessionTTL = time.Hour
		cfg.now = clock.Now
	})
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	resp, _ := getJSON(t, c, ts.URL+"/api/patient/patient_001/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	srv.mu.Lock()
	var rd *reader
	for _, r := range srv.sessions {
		rd = r
	}
	srv.mu.Unlock()
	require.NotNil(t, rd)
	require.NotNil(t, rd.viewer.Current())

	// activity inside the TTL keeps the session alive
	clock.Advance(50 * time.Minute)
	resp, _ = getJSON(t, c, ts.URL+"/api/patients")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	clock.Advance(50 * time.Minute)
	assert.Equal(t, 0, srv.PruneSessions())

	clock.Advance(61 * time.Minute)
	resp, _ = getJSON(t, c, ts.URL+"/api/patients")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, srv.ActiveSessions())
	assert.Nil(t, rd.viewer.Current())
}

func TestPruneSessions(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	srv, ts := setupTestServerWith(t, func(cfg *Config) {
		cfg.SessionTTL = time.Hour
		cfg.now = clock.Now
	})
	alice, bob := newClient(t), newClient(t)
	login(t, alice, ts.URL, "Alice")
	clock.Advance(30 * time.Minute)
	login(t, bob, ts.URL, "Bob")
	require.Equal(t, 2, srv.ActiveSessions())

	clock.Advance(45 * time.Minute)
	assert.Equal(t, 1, srv.PruneSessions())
	assert.Equal(t, 1, srv.ActiveSessions())

	resp, _ := getJSON(t, bob, ts.URL+"/api/patients")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = getJSON(t, alice, ts.URL+"/api/patients")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequiresLogin(t *testing.T) {
	_, ts := setupTestServer(t)
	resp, _ := getJSON(t, http.DefaultClient, ts.URL+"/api/patients")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPatientsAndInfo(t *testing.T) {
	_, ts := setupTestServer(t)
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	_, body := getJSON(t, c, ts.URL+"/api/patients")
	assert.Equal(t, []any{"patient_001", "patient_002"}, body["patients"])
	assert.Empty(t, body["submitted_patients"])

	resp, body := getJSON(t, c, ts.URL+"/api/patient/patient_002/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := body["volume_info"].(map[string]any)
	assert.Equal(t, float64(5), info["num_slices"])
	assert.Equal(t, float64(2), info["height"])
	assert.Nil(t, body["analysis_result"])
	assert.Len(t, body["window_presets"], 5)

	resp, _ = getJSON(t, c, ts.URL+"/api/patient/missing/info")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSliceEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	resp, body := postJSON(t, c, ts.URL+"/api/patient/slice", map[string]any{
		"patient_id": "patient_001", "slice_idx": 99,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, float64(2), body["slice_idx"])
	assert.Equal(t, float64(40), body["window_level"])
	assert.Equal(t, float64(400), body["window_width"])
	assert.True(t, strings.HasPrefix(body["image"].(string), "data:image/png;base64,"))

	resp, _ = postJSON(t, c, ts.URL+"/api/patient/slice", map[string]any{
		"patient_id": "patient_001", "slice_idx": 0, "window_level": 40, "window_width": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, c, ts.URL+"/api/patient/slice", map[string]any{
		"patient_id": "nobody", "slice_idx": 0,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSliceEndpointRGB(t *testing.T) {
	_, ts := setupTestServer(t)
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	// slice 1 holds 100 HU, mid-grey under level 100 width 200
	resp, body := postJSON(t, c, ts.URL+"/api/patient/slice", map[string]any{
		"patient_id": "patient_001", "slice_idx": 1,
		"window_level": 100, "window_width": 200, "format": "rgb",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "rgb", body["format"])
	assert.Equal(t, float64(2), body["height"])
	assert.Equal(t, float64(2), body["width"])

	raw, err := base64.StdEncoding.DecodeString(body["image"].(string))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{128}, 12), raw)

	resp, _ = postJSON(t, c, ts.URL+"/api/patient/slice", map[string]any{
		"patient_id": "patient_001", "slice_idx": 0, "format": "tiff",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReloadPatient(t *testing.T) {
	srv, ts := setupTestServer(t)
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	_, body := getJSON(t, c, ts.URL+"/api/patient/patient_001/info")
	assert.Equal(t, float64(3), body["volume_info"].(map[string]any)["num_slices"])

	// replace the file behind the resident volume
	writeVolume(t, srv.volumes.Dir(), "patient_001", 7)

	_, body = getJSON(t, c, ts.URL+"/api/patient/patient_001/info")
	assert.Equal(t, float64(3), body["volume_info"].(map[string]any)["num_slices"])

	resp, body := postJSON(t, c, ts.URL+"/api/patient/patient_001/reload", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, float64(7), body["volume_info"].(map[string]any)["num_slices"])

	resp, _ = postJSON(t, c, ts.URL+"/api/patient/ghost/reload", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSlicePNG(t *testing.T) {
	_, ts := setupTestServer(t)
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	// Slice 1 holds 100 HU; level 100 width 200 puts it at mid-grey.
	resp, err := c.Get(ts.URL + "/api/patient/patient_002/slices/1?level=100&width=200")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Slice-Index"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(128), r>>8)

	resp2, err := c.Get(ts.URL + "/api/patient/patient_002/slices/-4?preset=bone")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "0", resp2.Header.Get("X-Slice-Index"))

	for _, q := range []string{"/slices/x", "/slices/0?preset=liver", "/slices/0?width=abc", "/slices/0?width=-1"} {
		resp, err := c.Get(ts.URL + "/api/patient/patient_002" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestMalformedVolume(t *testing.T) {
	srv, ts := setupTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(srv.volumes.Dir(), "broken.npy"), []byte("junk"), 0644))
	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	resp, _ := getJSON(t, c, ts.URL+"/api/patient/broken/info")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPatientInfoWithNonFiniteSamples(t *testing.T) {
	srv, ts := setupTestServer(t)
	f, err := os.Create(filepath.Join(srv.volumes.Dir(), "holes.npy"))
	require.NoError(t, err)
	require.NoError(t, volume.EncodeNpy(f, &volume.Volume{
		Data:  []float32{float32(math.NaN()), 1, 2, float32(math.Inf(1))},
		Depth: 1, Height: 2, Width: 2, DType: "float32",
	}))
	require.NoError(t, f.Close())

	c := newClient(t)
	login(t, c, ts.URL, "Alice")

	resp, body := getJSON(t, c, ts.URL+"/api/patient/holes/info")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := body["volume_info"].(map[string]any)
	assert.Equal(t, 1.0, info["min_hu"])
	assert.Equal(t, 2.0, info["max_hu"])
	assert.Equal(t, 1.5, info["mean_hu"])
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"mean": math.NaN()})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"internal error"}`, rec.Body.String())
}

func TestSubmitAnalysis(t *testing.T) {
	_, ts := setupTestServer(t)
	alice, bob := newClient(t), newClient(t)
	login(t, alice, ts.URL, "Alice")
	login(t, bob, ts.URL, "Bob")

	resp, _ := postJSON(t, alice, ts.URL+"/api/analysis/submit", map[string]string{
		"patient_id": "patient_001", "result": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, alice, ts.URL+"/api/analysis/submit", map[string]string{
		"patient_id": "ghost", "result": "CECT",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, c := range []*http.Client{alice, bob} {
		resp, body := postJSON(t, c, ts.URL+"/api/analysis/submit", map[string]string{
			"patient_id": "patient_001", "result": "sCECT",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}
	resp, _ = postJSON(t, alice, ts.URL+"/api/analysis/submit", map[string]string{
		"patient_id": "patient_001", "result": "CECT",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := getJSON(t, alice, ts.URL+"/api/patients")
	assert.Equal(t, []any{"patient_001"}, body["submitted_patients"])

	_, body = getJSON(t, alice, ts.URL+"/api/patient/patient_001/info")
	result := body["analysis_result"].(map[string]any)
	assert.Equal(t, "CECT", result["result"])

	_, body = getJSON(t, bob, ts.URL+"/api/analysis/patient/patient_001")
	assert.Equal(t, float64(2), body["total_count"])
}

func TestSessionsAreIndependent(t *testing.T) {
	_, ts := setupTestServer(t)
	alice, bob := newClient(t), newClient(t)
	login(t, alice, ts.URL, "Alice")
	login(t, bob, ts.URL, "Bob")

	_, a := getJSON(t, alice, ts.URL+"/api/patient/patient_001/info")
	_, b := getJSON(t, bob, ts.URL+"/api/patient/patient_002/info")
	_, a2 := postJSON(t, alice, ts.URL+"/api/patient/slice", map[string]any{
		"patient_id": "patient_001", "slice_idx": 10,
	})

	assert.Equal(t, float64(3), a["volume_info"].(map[string]any)["num_slices"])
	assert.Equal(t, float64(5), b["volume_info"].(map[string]any)["num_slices"])
	assert.Equal(t, float64(2), a2["slice_idx"])
}

func TestCORS(t *testing.T) {
	dir := t.TempDir()
	db, err := study.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	srv, err := New(Config{
		Volumes:        volume.NewStore(dir),
		Study:          db,
		Auth:           study.NewAuthenticator(study.HashPassword(testPassword)),
		AllowedOrigins: []string{"http://viewer.example"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://viewer.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeListenerShutdown(t *testing.T) {
	srv, _ := setupTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
