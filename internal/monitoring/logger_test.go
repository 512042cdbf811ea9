package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not reach the previous logger")
	}
}

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)
	defer SetLogWriters(nil, nil, nil)

	Opsf("pump %s stalled", "fill")
	Diagf("HOLDING -> FILLING")
	Tracef("tick %d", 7)

	if !strings.Contains(ops.String(), "[ops] pump fill stalled") {
		t.Errorf("ops stream = %q", ops.String())
	}
	if !strings.Contains(diag.String(), "[diag] HOLDING -> FILLING") {
		t.Errorf("diag stream = %q", diag.String())
	}
	if !strings.Contains(trace.String(), "[trace] tick 7") {
		t.Errorf("trace stream = %q", trace.String())
	}
}

func TestSetLogWriters_NilSilences(t *testing.T) {
	SetLogWriters(nil, nil, nil)

	// Must not panic with every stream disabled.
	Opsf("x")
	Diagf("y")
	Tracef("z")
}
