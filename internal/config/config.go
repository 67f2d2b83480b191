// Package config defines the pipeline options and loads them from the
// config file and environment via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults. BatchSize bounds every stage/task scan; the intervals pace the
// three background loops.
const (
	DefaultBatchSize          = 500
	DefaultAssociateInterval  = 500 * time.Millisecond
	DefaultProjectInterval    = 5 * time.Second
	DefaultSweepInterval      = 3 * time.Second
	DefaultPurgeInterval      = time.Hour
	DefaultProvisionalLinkTTL = 48 * time.Hour
)

// Options is the single scoped options object threaded through the
// pipeline. Zero values mean "use default"; call Normalize before use.
type Options struct {
	// Store selection.
	StoreBackend string `mapstructure:"store_backend"` // memory|sqlite|dolt|dolt-server, inferred when empty
	StorePath    string `mapstructure:"store_path"`

	// Model manifest (optional; typed models register programmatically).
	ManifestPath string `mapstructure:"manifest_path"`

	// Association/projection behavior.
	BatchSize                   int      `mapstructure:"batch_size"`
	AggregationTags             []string `mapstructure:"aggregation_tags"` // Fallback when a model declares none
	CanonicalExcludeTagPrefixes []string `mapstructure:"canonical_exclude_tag_prefixes"`
	ParkAndSweepEnabled         *bool    `mapstructure:"park_and_sweep_enabled"` // default true

	// Loop pacing.
	AssociateInterval time.Duration `mapstructure:"associate_interval"`
	ProjectInterval   time.Duration `mapstructure:"project_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// Provisional identity links expire if never confirmed.
	ProvisionalLinkTTL time.Duration `mapstructure:"provisional_link_ttl"`

	// Retention windows enforced by the purge loop. Zero disables the
	// window for that set.
	IntakeTTL          time.Duration `mapstructure:"intake_ttl"`
	KeyedTTL           time.Duration `mapstructure:"keyed_ttl"`
	ParkedTTL          time.Duration `mapstructure:"parked_ttl"`
	ProjectionTaskTTL  time.Duration `mapstructure:"projection_task_ttl"`
	RejectionReportTTL time.Duration `mapstructure:"rejection_report_ttl"`
	PurgeEnabled       bool          `mapstructure:"purge_enabled"`
	PurgeInterval      time.Duration `mapstructure:"purge_interval"`

	// Telemetry.
	TelemetryEnabled bool `mapstructure:"telemetry_enabled"`
}

// Normalize fills defaults and clamps out-of-range values.
func (o *Options) Normalize() {
	if o.BatchSize < 1 {
		o.BatchSize = DefaultBatchSize
	}
	if o.AssociateInterval <= 0 {
		o.AssociateInterval = DefaultAssociateInterval
	}
	if o.ProjectInterval <= 0 {
		o.ProjectInterval = DefaultProjectInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = DefaultPurgeInterval
	}
	if o.ProvisionalLinkTTL <= 0 {
		o.ProvisionalLinkTTL = DefaultProvisionalLinkTTL
	}
}

// Parking reports whether rejected-but-retryable records are parked.
func (o *Options) Parking() bool {
	return o.ParkAndSweepEnabled == nil || *o.ParkAndSweepEnabled
}

// Excluded reports whether a canonical path falls under a configured
// exclude prefix.
func (o *Options) Excluded(path string) bool {
	for _, prefix := range o.CanonicalExcludeTagPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Load reads options from the given config file (optional) and FC_* env
// vars, then normalizes.
func Load(path string) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix("FC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	opts := &Options{}
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	opts.Normalize()
	return opts, nil
}
