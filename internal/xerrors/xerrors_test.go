package xerrors

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
)

func frames(pcs []uintptr) []string {
	var out []string
	fs := runtime.CallersFrames(pcs)
	for {
		f, more := fs.Next()
		out = append(out, f.Function)
		if !more {
			return out
		}
	}
}

func TestNew_CapturesCaller(t *testing.T) {
	err := New("profile missing")
	if err.Error() != "profile missing" {
		t.Fatalf("Error() = %q", err.Error())
	}
	s, ok := err.(*stacked)
	if !ok {
		t.Fatalf("type = %T, want *stacked", err)
	}
	found := false
	for _, fn := range frames(s.StackPCs()) {
		if strings.Contains(fn, "TestNew_CapturesCaller") {
			found = true
		}
	}
	if !found {
		t.Fatal("stack should contain the calling test")
	}
}

func TestNewf_Wraps(t *testing.T) {
	err := Newf("read %s: %w", "profile", io.EOF)
	if !errors.Is(err, io.EOF) {
		t.Fatal("Newf should preserve %w")
	}
	if err.Error() != "read profile: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	err := Wrap(io.EOF, "fetch parameter")
	if err.Error() != "fetch parameter: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("Wrap should unwrap")
	}
	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrap should record a caller PC")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
	err := Wrapf(io.EOF, "get %s", "/edge/profile")
	if err.Error() != "get /edge/profile: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}

	plain := errors.New("plain")
	traced := EnsureTrace(plain)
	if _, ok := traced.(*stacked); !ok {
		t.Fatalf("type = %T, want *stacked", traced)
	}
	if !errors.Is(traced, plain) {
		t.Fatal("traced should unwrap to plain")
	}

	// already stacked deeper in the chain
	inner := New("inner")
	outer := Wrap(inner, "outer")
	if EnsureTrace(outer) != outer {
		t.Fatal("EnsureTrace should not stack twice")
	}
}
