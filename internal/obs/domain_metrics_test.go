package obs_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-checkout/internal/obs"
)

func TestDomainMetricsRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("pos", registry)
	require.NotNil(t, obs.CheckoutSubmissionsTotal)

	before := testutil.ToFloat64(obs.CheckoutSubmissionsTotal.WithLabelValues("success"))
	obs.Inc(obs.CheckoutSubmissionsTotal, "success")
	require.Equal(t, before+1, testutil.ToFloat64(obs.CheckoutSubmissionsTotal.WithLabelValues("success")))

	// nil collectors are ignored
	obs.Inc(nil, "ignored")
}
