package version_test

import (
	"testing"

	v "github.com/keithlinneman/linnemanlabs-edge/internal/version"
)

func TestGet_AppName(t *testing.T) {
	if got := v.Get().AppName; got != "linnemanlabs-edge" {
		t.Fatalf("AppName = %q", got)
	}
}

func TestDirty(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		in   *bool
		want string
	}{
		{nil, "unknown"},
		{&yes, "true"},
		{&no, "false"},
	}
	for _, tt := range tests {
		if got := (v.Info{VCSDirty: tt.in}).Dirty(); got != tt.want {
			t.Fatalf("Dirty() = %q, want %q", got, tt.want)
		}
	}
}

func TestGet_LinkerValuesWin(t *testing.T) {
	old := v.Version
	t.Cleanup(func() { v.Version = old })

	v.Version = "1.4.0"
	if got := v.Get().Version; got != "1.4.0" {
		t.Fatalf("Version = %q, want 1.4.0", got)
	}
}
