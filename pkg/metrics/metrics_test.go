package metrics

import (
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("test", reg)

	c.RecordCreated(ltm.CategoryEpisodic)
	c.RecordCreated(ltm.CategoryEpisodic)
	c.RecordCreated(ltm.CategorySemantic)
	c.Access()
	c.Linked(ltm.RelationshipReflection)
	c.LinkFailed(ReasonUnknownRecord)
	c.Reflected()
	c.Reflected()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.recordsCreated.WithLabelValues("episodic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordsCreated.WithLabelValues("semantic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.accesses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.links.WithLabelValues("reflection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.linkFailures.WithLabelValues(ReasonUnknownRecord)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reflections))
}

func TestCollector_SetActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("", reg)

	c.SetActive([]ltm.ActiveMemory{
		{Record: ltm.MemoryRecord{Category: ltm.CategoryEpisodic}},
		{Record: ltm.MemoryRecord{Category: ltm.CategoryEpisodic}},
		{Record: ltm.MemoryRecord{Category: ltm.CategoryProcedural}},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeRecords.WithLabelValues("episodic")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeRecords.WithLabelValues("semantic")))

	c.SetActive(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeRecords.WithLabelValues("episodic")))

	c.ObserveView("active", time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(c.viewDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "engram_active_records")
	assert.Contains(t, names, "engram_view_duration_seconds")
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCreated(ltm.CategorySemantic)
		c.Access()
		c.Linked(ltm.RelationshipSummary)
		c.LinkFailed(ReasonWriteFailed)
		c.Reflected()
		c.ObserveView("expired", time.Now())
		c.SetActive(nil)
	})
}
