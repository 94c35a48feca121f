package version

import (
	"runtime/debug"
	"testing"
)

func TestMerge_FillsGaps(t *testing.T) {
	out := Info{Version: "dev", Commit: "none"}
	merge(&out, &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	if out.Commit != "abc123" || out.CommitDate != "2026-01-02T03:04:05Z" || out.BuildDate != out.CommitDate {
		t.Fatalf("out = %+v", out)
	}
	if out.GoVersion != "go1.24.11" {
		t.Fatalf("GoVersion = %q", out.GoVersion)
	}
	if out.VCSDirty == nil || !*out.VCSDirty {
		t.Fatalf("VCSDirty = %v", out.VCSDirty)
	}
}

func TestMerge_LdflagsWin(t *testing.T) {
	clean := false
	out := Info{Commit: "fromldflags", BuildDate: "2026-02-01", VCSDirty: &clean}
	merge(&out, &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "other"},
		{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}})

	if out.Commit != "fromldflags" || out.BuildDate != "2026-02-01" || *out.VCSDirty {
		t.Fatalf("out = %+v", out)
	}
}

func TestGet_VCSDirtyTriState(t *testing.T) {
	saved := VCSDirty
	t.Cleanup(func() { VCSDirty = saved })

	yes := true
	VCSDirty = &yes
	if info := Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}
