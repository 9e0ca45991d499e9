package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bucketsyncer/internal/stats"
)

type fakeQueue struct{ length, capacity, active int }

func (q fakeQueue) Len() int    { return q.length }
func (q fakeQueue) Cap() int    { return q.capacity }
func (q fakeQueue) Active() int { return q.active }

func TestCollectorReadsStats(t *testing.T) {
	st := stats.New()
	c := New(st, fakeQueue{length: 3, capacity: 40, active: 2})

	st.ObjectsRead.Add(10)
	st.ObjectsCopied.Add(4)
	st.CopyErrors.Add(1)
	st.ObjectsDeleted.Add(2)
	st.BytesCopied.Add(4096)

	assert.Equal(t, 10.0, testutil.ToFloat64(c.objectsRead))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.objectsCopied))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.copyErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.objectsDeleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.deleteErrors))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytesCopied))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueLength))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.queueCapacity))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeWorkers))

	// Counters follow later updates.
	st.ObjectsCopied.Add(1)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.objectsCopied))
}

func TestRequestCounters(t *testing.T) {
	st := stats.New()
	c := New(st, fakeQueue{})
	st.CopyCount.Add(7)
	st.GetCount.Add(3)

	n, err := testutil.GatherAndCount(c.Registry(), "bucketsyncer_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	expected := `
# HELP bucketsyncer_requests_total Remote requests issued, by operation
# TYPE bucketsyncer_requests_total counter
bucketsyncer_requests_total{op="copy"} 7
bucketsyncer_requests_total{op="delete"} 0
bucketsyncer_requests_total{op="get"} 3
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "bucketsyncer_requests_total"))
}

func TestHandler(t *testing.T) {
	st := stats.New()
	st.ObjectsCopied.Add(2)
	c := New(st, fakeQueue{capacity: 10})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "bucketsyncer_objects_copied_total 2")
	assert.Contains(t, string(body), "bucketsyncer_queue_capacity 10")
}
