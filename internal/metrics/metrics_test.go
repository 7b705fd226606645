package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/engine"
)

var _ engine.Recorder = (*Metrics)(nil)

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOperation("create", "ok", 3*time.Millisecond)
	m.RecordOperation("create", "duplicate", time.Millisecond)
	m.SetTemplateCount(7)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.SetCacheEntries(2)
	m.RecordSnapshot("ok")
	m.RecordLoad(3, 1, 2)
	m.RecordGrpcRequest("/templates.v1.TemplateService/Get", "OK", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("create", "duplicate")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TemplatesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoadRecordsTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues("/templates.v1.TemplateService/Get", "OK")))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestUptime(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ServerStartTime = time.Now().Add(-time.Minute)
	m.StartUptime(5 * time.Millisecond)
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ServerUptimeSeconds) >= 60
	}, time.Second, 5*time.Millisecond)
}
