package scmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub003/consensus/scmetrics"
	"github.com/starkware-libs/sequencer-sub003/consensus/scmsg"
)

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { scmetrics.New(reg) })
}

func TestIncrementsAdvanceCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := scmetrics.New(reg)

	m.IncRound()
	m.IncRound()
	m.IncNewValueLock()
	m.IncConflictingVote()
	m.IncRepropose()
	m.IncBuildProposalStarted()
	m.IncBuildProposalFailed()
	m.IncTimeout(scmsg.StepPropose)
	m.IncTimeout(scmsg.StepPropose)
	m.IncTimeout(scmsg.StepPrevote)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Equal(t, float64(2), byName["consensus_round"].Metric[0].Gauge.GetValue())
	require.Equal(t, float64(1), byName["consensus_new_value_locks_total"].Metric[0].Counter.GetValue())
	require.Equal(t, float64(1), byName["consensus_conflicting_votes_total"].Metric[0].Counter.GetValue())
	require.Equal(t, float64(1), byName["consensus_reproposals_total"].Metric[0].Counter.GetValue())
	require.Equal(t, float64(1), byName["consensus_build_proposal_total"].Metric[0].Counter.GetValue())
	require.Equal(t, float64(1), byName["consensus_build_proposal_failed_total"].Metric[0].Counter.GetValue())

	timeoutFamily := byName["consensus_timeouts_total"]
	require.Len(t, timeoutFamily.Metric, 2)
	totalsByStep := make(map[string]float64)
	for _, metric := range timeoutFamily.Metric {
		for _, label := range metric.Label {
			if label.GetName() == "step" {
				totalsByStep[label.GetValue()] = metric.Counter.GetValue()
			}
		}
	}
	require.Equal(t, float64(2), totalsByStep["Propose"])
	require.Equal(t, float64(1), totalsByStep["Prevote"])
}

func TestHeldLockGaugeReflectsLatestSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := scmetrics.New(reg)

	m.IncHeldLock()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "consensus_held_locks" {
			require.Equal(t, float64(1), f.Metric[0].Gauge.GetValue())
		}
	}
}
