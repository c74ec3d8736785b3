// Package config loads the operator-facing tunables spec.md §6 lists
// (lotsfree_min/max, desfree, minfree, throttlefree, pageout_reserve,
// maxpgio, maxfastscan, fastscan, slowscan, handspreadpages,
// pageout_threshold_style, des_page_scanners, pageout_deadman_seconds,
// zone_pageout_nsec, min/max_percent_cpu, dopageout, async_list_size) via
// spf13/viper, the config library the rest of this corpus's services
// reach for (other_examples/manifests/tuannm99-novasql). Validation
// failures accumulate with hashicorp/go-multierror the same way
// intel-cri-resource-manager aggregates policy tunable errors, so an
// operator sees every bad value in one report instead of fixing them one
// at a time.
package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/biscuit-os/pageout/threshold"
)

// / EnvPrefix is the environment-variable namespace viper binds tunables
// / under, e.g. PAGEOUT_MAXPGIO.
const EnvPrefix = "PAGEOUT"

// / Tunables mirrors spec.md §6's full tunable set. Zero-valued numeric
// / fields mean "auto": threshold.Configurator.Setup treats them exactly
// / like threshold.Init's zero-means-auto fields, so Tunables.Threshold()
// / converts directly.
type Tunables struct {
	LotsfreeMax     int64 `mapstructure:"lotsfree_max"`
	LotsfreeMin     int64 `mapstructure:"lotsfree_min"`
	Lotsfree        int64 `mapstructure:"lotsfree"`
	Desfree         int64 `mapstructure:"desfree"`
	Minfree         int64 `mapstructure:"minfree"`
	Throttlefree    int64 `mapstructure:"throttlefree"`
	PageoutReserve  int64 `mapstructure:"pageout_reserve"`
	Maxpgio         int64 `mapstructure:"maxpgio"`
	Maxfastscan     int64 `mapstructure:"maxfastscan"`
	Fastscan        int64 `mapstructure:"fastscan"`
	Slowscan        int64 `mapstructure:"slowscan"`
	Handspreadpages int64 `mapstructure:"handspreadpages"`
	DiskRPM         int64 `mapstructure:"disk_rpm"`

	// PageoutThresholdStyle selects ratio (0, default) vs halving (1)
	// derivation for minfree/pageout_reserve, per spec.md §4.1.
	PageoutThresholdStyle int `mapstructure:"pageout_threshold_style"`

	DesPageScanners      int   `mapstructure:"des_page_scanners"`
	PageoutDeadmanSecs   int   `mapstructure:"pageout_deadman_seconds"`
	ZonePageoutNsec      int64 `mapstructure:"zone_pageout_nsec"`
	MinPercentCPU        int64 `mapstructure:"min_percent_cpu"`
	MaxPercentCPU        int64 `mapstructure:"max_percent_cpu"`
	Dopageout            bool  `mapstructure:"dopageout"`
	AsyncListSize        int   `mapstructure:"async_list_size"`
	MaxPScanThreads      int   `mapstructure:"max_pscan_threads"`
}

// / Defaults are the values viper falls back to when the operator sets
// / nothing, matching spec.md §6's stated architectural defaults.
func Defaults() Tunables {
	return Tunables{
		PageoutDeadmanSecs: 90,
		MinPercentCPU:      4,
		MaxPercentCPU:      80,
		Dopageout:          true,
		AsyncListSize:      256,
		MaxPScanThreads:    16,
	}
}

// / Load builds a viper instance bound to PAGEOUT_*-prefixed environment
// / variables and, if non-empty, a config file at path (any format viper
// / supports: yaml, json, toml). It returns the decoded Tunables with
// / Defaults() pre-populated for anything unset.
func Load(path string) (Tunables, error) {
	v := viper.New()
	d := Defaults()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefault(v, "pageout_deadman_seconds", d.PageoutDeadmanSecs)
	setDefault(v, "min_percent_cpu", d.MinPercentCPU)
	setDefault(v, "max_percent_cpu", d.MaxPercentCPU)
	setDefault(v, "dopageout", d.Dopageout)
	setDefault(v, "async_list_size", d.AsyncListSize)
	setDefault(v, "max_pscan_threads", d.MaxPScanThreads)

	// AutomaticEnv only covers keys viper already knows about, so bind
	// every tunable without a default to its PAGEOUT_* variable as well.
	for _, key := range []string{
		"lotsfree_max", "lotsfree_min", "lotsfree", "desfree", "minfree",
		"throttlefree", "pageout_reserve", "maxpgio", "maxfastscan",
		"fastscan", "slowscan", "handspreadpages", "disk_rpm",
		"pageout_threshold_style", "des_page_scanners", "zone_pageout_nsec",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Tunables{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var t Tunables
	if err := v.Unmarshal(&t); err != nil {
		return Tunables{}, fmt.Errorf("config: decoding tunables: %w", err)
	}
	return t, nil
}

func setDefault(v *viper.Viper, key string, val interface{}) {
	v.SetDefault(key, val)
}

// / Validate checks the tunable set for internally-inconsistent values
// / before they ever reach threshold.Configurator, aggregating every
// / failure via go-multierror instead of stopping at the first one.
func (t Tunables) Validate() error {
	var errs *multierror.Error

	if t.LotsfreeMax < 0 {
		errs = multierror.Append(errs, fmt.Errorf("lotsfree_max must be >= 0, got %d", t.LotsfreeMax))
	}
	if t.LotsfreeMin < 0 {
		errs = multierror.Append(errs, fmt.Errorf("lotsfree_min must be >= 0, got %d", t.LotsfreeMin))
	}
	if t.LotsfreeMax != 0 && t.LotsfreeMin != 0 && t.LotsfreeMin > t.LotsfreeMax {
		errs = multierror.Append(errs, fmt.Errorf("lotsfree_min (%d) must not exceed lotsfree_max (%d)", t.LotsfreeMin, t.LotsfreeMax))
	}
	if t.PageoutThresholdStyle != 0 && t.PageoutThresholdStyle != 1 {
		errs = multierror.Append(errs, fmt.Errorf("pageout_threshold_style must be 0 or 1, got %d", t.PageoutThresholdStyle))
	}
	if t.MinPercentCPU <= 0 || t.MinPercentCPU > 100 {
		errs = multierror.Append(errs, fmt.Errorf("min_percent_cpu must be in (0,100], got %d", t.MinPercentCPU))
	}
	if t.MaxPercentCPU <= 0 || t.MaxPercentCPU > 100 {
		errs = multierror.Append(errs, fmt.Errorf("max_percent_cpu must be in (0,100], got %d", t.MaxPercentCPU))
	}
	if t.MinPercentCPU != 0 && t.MaxPercentCPU != 0 && t.MinPercentCPU > t.MaxPercentCPU {
		errs = multierror.Append(errs, fmt.Errorf("min_percent_cpu (%d) must not exceed max_percent_cpu (%d)", t.MinPercentCPU, t.MaxPercentCPU))
	}
	if t.PageoutDeadmanSecs < 0 {
		errs = multierror.Append(errs, fmt.Errorf("pageout_deadman_seconds must be >= 0, got %d", t.PageoutDeadmanSecs))
	}
	if t.AsyncListSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("async_list_size must be > 0, got %d", t.AsyncListSize))
	}
	if t.MaxPScanThreads <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_pscan_threads must be > 0, got %d", t.MaxPScanThreads))
	}
	if t.DesPageScanners < 0 {
		errs = multierror.Append(errs, fmt.Errorf("des_page_scanners must be >= 0, got %d", t.DesPageScanners))
	}

	if errs != nil {
		errs.ErrorFormat = listFormat
		return errs
	}
	return nil
}

func listFormat(es []error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tunable validation error(s):\n", len(es))
	for _, e := range es {
		fmt.Fprintf(&b, "  * %s\n", e)
	}
	return b.String()
}

// / Threshold converts Tunables into threshold.Init, the frozen snapshot
// / threshold.Configurator.Setup consumes.
func (t Tunables) Threshold() threshold.Init {
	return threshold.Init{
		LotsfreeMax:     t.LotsfreeMax,
		LotsfreeMin:     t.LotsfreeMin,
		Lotsfree:        t.Lotsfree,
		Desfree:         t.Desfree,
		Minfree:         t.Minfree,
		Throttlefree:    t.Throttlefree,
		PageoutReserve:  t.PageoutReserve,
		Maxpgio:         t.Maxpgio,
		Maxfastscan:     t.Maxfastscan,
		Fastscan:        t.Fastscan,
		Slowscan:        t.Slowscan,
		Handspreadpages: t.Handspreadpages,
		HalfMode:        t.PageoutThresholdStyle == 1,
		DiskRPM:         t.DiskRPM,
	}
}
