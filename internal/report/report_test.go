// SPDX-License-Identifier: MIT

package report

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapgrid/tapgrid/internal/device"
)

func devs(statuses ...DeviceStatus) []DeviceResult {
	out := make([]DeviceResult, len(statuses))
	for i, s := range statuses {
		out[i] = DeviceResult{DeviceID: device.ID("d"), ScenarioID: "s", Status: s}
	}
	return out
}

func TestDeriveScenarioStatus(t *testing.T) {
	require.Equal(t, ScenarioPassed, DeriveScenarioStatus(devs(DevicePassed, DevicePassed)))
	require.Equal(t, ScenarioFailed, DeriveScenarioStatus(devs(DeviceFailed, DeviceFailed)))
	require.Equal(t, ScenarioPartial, DeriveScenarioStatus(devs(DevicePassed, DeviceFailed)))
	require.Equal(t, ScenarioSkipped, DeriveScenarioStatus(devs(DeviceSkipped, DeviceSkipped)))
	require.Equal(t, ScenarioPartial, DeriveScenarioStatus(devs(DevicePassed, DeviceSkipped)))
	require.Equal(t, ScenarioStopped, DeriveScenarioStatus(devs(DevicePassed, DeviceStopped)))
	require.Equal(t, ScenarioSkipped, DeriveScenarioStatus(nil))
}

func TestDeriveStatus(t *testing.T) {
	all := func(s ScenarioStatus, n int) []ScenarioResult {
		out := make([]ScenarioResult, n)
		for i := range out {
			out[i] = ScenarioResult{Status: s}
		}
		return out
	}
	require.Equal(t, StatusCompleted, DeriveStatus(all(ScenarioPassed, 3), false))
	require.Equal(t, StatusFailed, DeriveStatus(all(ScenarioFailed, 2), false))
	require.Equal(t, StatusPartial, DeriveStatus(append(all(ScenarioPassed, 1), all(ScenarioFailed, 1)...), false))
	require.Equal(t, StatusStopped, DeriveStatus(all(ScenarioPassed, 3), true))
	require.Equal(t, StatusStopped, DeriveStatus(append(all(ScenarioPassed, 1), ScenarioResult{Status: ScenarioStopped}), false))
}

func TestBuildStatsCountsAndCategories(t *testing.T) {
	scenarios := []ScenarioResult{
		{ScenarioID: "s1", Devices: []DeviceResult{
			{Status: DevicePassed},
			{Status: DeviceFailed, Category: device.FailTimeout},
		}},
		{ScenarioID: "s2", Devices: []DeviceResult{
			{Status: DeviceSkipped, SkipReason: "forceCompleted"},
		}},
	}
	st := BuildStats(scenarios)
	require.Equal(t, 3, st.Total)
	require.Equal(t, 1, st.Passed)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 1, st.Skipped)
	require.Equal(t, 1, st.FailureCategories[device.FailTimeout])
}

func TestBuildStatsFlakyDetection(t *testing.T) {
	// s1: 2/4 passed -> flaky. s2: 4/4 passed -> not flaky.
	scenarios := []ScenarioResult{
		{ScenarioID: "s1", RepeatIndex: 0, Devices: devs(DevicePassed, DeviceFailed)},
		{ScenarioID: "s1", RepeatIndex: 1, Devices: devs(DevicePassed, DeviceFailed)},
		{ScenarioID: "s2", RepeatIndex: 0, Devices: devs(DevicePassed, DevicePassed)},
		{ScenarioID: "s2", RepeatIndex: 1, Devices: devs(DevicePassed, DevicePassed)},
	}
	st := BuildStats(scenarios)
	require.Equal(t, []string{"s1"}, st.Flaky)
}

func TestBuildStatsFlakyNeedsSamples(t *testing.T) {
	scenarios := []ScenarioResult{
		{ScenarioID: "s1", Devices: devs(DevicePassed, DeviceFailed)},
	}
	st := BuildStats(scenarios)
	require.Empty(t, st.Flaky, "two samples are not enough to call a scenario flaky")
}

func TestSummarize(t *testing.T) {
	r := &TestReport{
		ID:          "r1",
		ExecutionID: "e1",
		QueueID:     "q1",
		Requester:   "alice",
		Status:      StatusCompleted,
		Stats:       Stats{Total: 4, Passed: 4},
		DurationMS:  1234,
	}
	s := Summarize(r)
	require.True(t, s.Success)
	require.Equal(t, 4, s.SuccessCount)
	require.Equal(t, "r1", s.ReportID)
}
