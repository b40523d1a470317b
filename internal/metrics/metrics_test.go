package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestCounters(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.Transitions.WithLabelValues("Queued"))
	m.Transitions.WithLabelValues("Queued").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(m.Transitions.WithLabelValues("Queued")))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("x")))

	m := Get()
	Since(m.Validation.WithLabelValues("ok"), time.Now().Add(-time.Second))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Validation))
}
