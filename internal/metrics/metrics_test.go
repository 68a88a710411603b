package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreRegistered(t *testing.T) {
	RedisOperations.WithLabelValues("publish", "success").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(RedisOperations.WithLabelValues("publish", "success")), 1.0)

	RoleDataRequests.WithLabelValues("ok").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(RoleDataRequests.WithLabelValues("ok")), 1.0)
}

func TestGauges(t *testing.T) {
	ActiveRooms.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(ActiveRooms))

	RoomOccupants.WithLabelValues("p1").Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(RoomOccupants.WithLabelValues("p1")))

	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveConnections))
	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveConnections))
}

func TestHistogramObserveDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		MessageProcessingDuration.WithLabelValues("message").Observe(0.02)
	})
}
