// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.jobStarted()
	if got := testutil.ToFloat64(m.activeJobs); got != 1 {
		t.Errorf("active jobs = %v, want 1", got)
	}
	m.recordSuccess(&StreamResult{RawBytes: 1000, StoredBytes: 400}, 2*time.Second)
	m.jobFinished()
	m.recordSkip()
	m.recordFailure(stageStore)
	m.recordFailure(stageStore)
	m.recordWatcher("added")
	m.recordSweep(7, time.Unix(1700000000, 0))

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"active", testutil.ToFloat64(m.activeJobs), 0},
		{"archived", testutil.ToFloat64(m.archived), 1},
		{"raw", testutil.ToFloat64(m.rawBytes), 1000},
		{"stored", testutil.ToFloat64(m.storedBytes), 400},
		{"skipped", testutil.ToFloat64(m.skipped), 1},
		{"store failures", testutil.ToFloat64(m.failures.WithLabelValues(stageStore)), 2},
		{"watcher added", testutil.ToFloat64(m.watcherEvents.WithLabelValues("added")), 1},
		{"catalog", testutil.ToFloat64(m.catalogSize), 7},
		{"last sweep", testutil.ToFloat64(m.lastSweep), 1700000000},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}
