package config

import (
	"testing"
	"time"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	o := &Options{}
	o.Normalize()
	if o.BatchSize != DefaultBatchSize {
		t.Fatalf("BatchSize = %d", o.BatchSize)
	}
	if o.AssociateInterval != DefaultAssociateInterval {
		t.Fatalf("AssociateInterval = %v", o.AssociateInterval)
	}
	if o.ProvisionalLinkTTL != 48*time.Hour {
		t.Fatalf("ProvisionalLinkTTL = %v", o.ProvisionalLinkTTL)
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	o := &Options{BatchSize: 10, ProjectInterval: time.Second}
	o.Normalize()
	if o.BatchSize != 10 || o.ProjectInterval != time.Second {
		t.Fatalf("explicit values overwritten: %+v", o)
	}
}

func TestParkingDefaultsOn(t *testing.T) {
	o := &Options{}
	if !o.Parking() {
		t.Fatalf("parking must default on")
	}
	off := false
	o.ParkAndSweepEnabled = &off
	if o.Parking() {
		t.Fatalf("parking not disabled")
	}
}

func TestExcludedMatchesPrefixes(t *testing.T) {
	o := &Options{CanonicalExcludeTagPrefixes: []string{"audit.", "internal."}}
	if !o.Excluded("audit.touchedBy") {
		t.Fatalf("audit.touchedBy should be excluded")
	}
	if o.Excluded("site") {
		t.Fatalf("site should not be excluded")
	}
	if (&Options{}).Excluded("anything") {
		t.Fatalf("no prefixes excludes nothing")
	}
}
