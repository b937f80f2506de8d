package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCollaborator(t *testing.T) {
	ok := collaboratorOpsTotal.WithLabelValues("utxos", "unknown", "success")
	before := testutil.ToFloat64(ok)

	ObserveCollaborator("utxos", "", nil, time.Now())
	ObserveCollaborator("utxos", "", errors.New("down"), time.Now())

	assert.Equal(t, before+1, testutil.ToFloat64(ok))
	assert.GreaterOrEqual(t, testutil.ToFloat64(collaboratorOpsTotal.WithLabelValues("utxos", "unknown", "error")), 1.0)
}

func TestObserveSend(t *testing.T) {
	fees := feesPaidSatoshis.WithLabelValues("regtest-metrics")

	ObserveSend("regtest-metrics", 1410, nil)
	ObserveSend("regtest-metrics", 9999, errors.New("rejected"))

	assert.Equal(t, 1410.0, testutil.ToFloat64(fees))
	assert.Equal(t, 1.0, testutil.ToFloat64(sendsTotal.WithLabelValues("regtest-metrics", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sendsTotal.WithLabelValues("regtest-metrics", "error")))
}

func TestObservePrepare(t *testing.T) {
	ObservePrepare("prepare-metrics", 2, 10, nil)
	ObservePrepare("prepare-metrics", 0, 0, errors.New("insufficient"))

	assert.Equal(t, 1.0, testutil.ToFloat64(preparesTotal.WithLabelValues("prepare-metrics", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(preparesTotal.WithLabelValues("prepare-metrics", "error")))
}
