package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	tn, err := Load("")
	require.NoError(t, err)

	d := Defaults()
	assert.Equal(t, d.PageoutDeadmanSecs, tn.PageoutDeadmanSecs)
	assert.Equal(t, d.MinPercentCPU, tn.MinPercentCPU)
	assert.Equal(t, d.MaxPercentCPU, tn.MaxPercentCPU)
	assert.Equal(t, d.Dopageout, tn.Dopageout)
	assert.Equal(t, d.AsyncListSize, tn.AsyncListSize)
	assert.Equal(t, d.MaxPScanThreads, tn.MaxPScanThreads)
	assert.Equal(t, int64(0), tn.Lotsfree, "unset sizing tunables stay zero (auto)")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PAGEOUT_MAXPGIO", "9999")
	t.Setenv("PAGEOUT_DES_PAGE_SCANNERS", "4")

	tn, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(9999), tn.Maxpgio)
	assert.Equal(t, 4, tn.DesPageScanners)
}

func TestValidateAggregatesEveryFailure(t *testing.T) {
	tn := Defaults()
	tn.LotsfreeMin = 100
	tn.LotsfreeMax = 10
	tn.PageoutThresholdStyle = 7
	tn.MinPercentCPU = 90
	tn.MaxPercentCPU = 10
	tn.AsyncListSize = 0

	err := tn.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "lotsfree_min")
	assert.Contains(t, msg, "pageout_threshold_style")
	assert.Contains(t, msg, "min_percent_cpu")
	assert.Contains(t, msg, "async_list_size")
}

func TestValidatePassesOnDefaults(t *testing.T) {
	assert.NoError(t, Defaults().Validate())
}

func TestThresholdMapsHalfModeFromStyle(t *testing.T) {
	tn := Defaults()
	tn.PageoutThresholdStyle = 1
	assert.True(t, tn.Threshold().HalfMode)

	tn.PageoutThresholdStyle = 0
	assert.False(t, tn.Threshold().HalfMode)
}

func TestThresholdCarriesSizingFieldsVerbatim(t *testing.T) {
	tn := Defaults()
	tn.Lotsfree = 4096
	tn.Handspreadpages = 131072
	tn.DiskRPM = 10000

	got := tn.Threshold()
	assert.Equal(t, int64(4096), got.Lotsfree)
	assert.Equal(t, int64(131072), got.Handspreadpages)
	assert.Equal(t, int64(10000), got.DiskRPM)
}
