// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-myth/internal/config"
)

func newTestRouter(t *testing.T) (*Archiver, http.Handler) {
	t.Helper()
	cfg := testConfig(t, "myth://127.0.0.1:6543", config.CompressionNone)
	a, _ := newTestArchiver(t, cfg)
	return a, NewRouter(a, NewACL(config.MetricsInfo{ParsedAllow: parseCIDRs(t, "127.0.0.1/32")}, a.Metrics(), quietLogger()))
}

func get(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	_, h := newTestRouter(t)
	rec := get(h, "/api/v1/health", "127.0.0.1:5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("unexpected health %v", body)
	}
}

func TestRouter_StatsAndHistory(t *testing.T) {
	a, h := newTestRouter(t)
	a.skipped.Add(2)
	a.lastSweep = &Summary{Catalog: 4, Matched: 2, Skipped: 2}
	for _, k := range []string{"1001/a.ts", "1002/b.ts", "1003/c.ts"} {
		a.History().Add(JobRecord{Key: k, Status: JobSkipped})
	}

	rec := get(h, "/api/v1/stats", "127.0.0.1:5000")
	var st Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.TotalSkipped != 2 || st.LastSweep == nil || st.LastSweep.Catalog != 4 {
		t.Errorf("stats = %+v", st)
	}

	rec = get(h, "/api/v1/history?limit=2", "127.0.0.1:5000")
	var jobs []JobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(jobs) != 2 || jobs[1].Key != "1003/c.ts" {
		t.Errorf("history = %+v", jobs)
	}

	if rec := get(h, "/api/v1/history?limit=abc", "127.0.0.1:5000"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestRouter_MetricsAndACL(t *testing.T) {
	a, h := newTestRouter(t)
	a.Metrics().recordSkip()

	rec := get(h, "/metrics", "127.0.0.1:5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nmyth_archive_skipped_total 1") {
		t.Errorf("metrics output missing skipped counter:\n%s", rec.Body.String())
	}

	if rec := get(h, "/metrics", "10.0.0.9:5000"); rec.Code != http.StatusForbidden {
		t.Errorf("remote outside ACL got %d, want 403", rec.Code)
	}
}

func TestServeHTTP(t *testing.T) {
	_, h := newTestRouter(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveHTTP(ctx, ln, h, quietLogger()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /api/v1/health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status": "ok"`) {
		t.Errorf("status = %d body = %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveHTTP returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("http server did not stop")
	}
}
