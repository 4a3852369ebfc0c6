package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerObservesPositiveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.Greater(t, timer.Duration(), time.Duration(0))
}

func TestCounterIncrements(t *testing.T) {
	UploadsTotal.Reset()
	UploadsTotal.WithLabelValues("main", "success").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(UploadsTotal.WithLabelValues("main", "success")))
}
