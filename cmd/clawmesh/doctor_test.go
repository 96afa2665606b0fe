package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/clawmesh/internal/doctor"
)

func TestRunDoctor_TextOutput(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")

	var out bytes.Buffer
	code := runDoctor(context.Background(), nil, &out)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0:\n%s", code, out.String())
	}
	for _, want := range []string{"clawmesh doctor report", "[PASS] Config", "[WARN] Job Backend", "[SKIP] Event Forwarding"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunDoctor_JSONOutput(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")

	for _, flag := range []string{"-json", "--json"} {
		var out bytes.Buffer
		if code := runDoctor(context.Background(), []string{flag}, &out); code != 0 {
			t.Fatalf("%s: got exit code %d, want 0", flag, code)
		}
		var diag doctor.Diagnosis
		if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
			t.Fatalf("%s: output is not JSON: %v", flag, err)
		}
		if len(diag.Results) != len(doctor.DefaultChecks()) {
			t.Fatalf("%s: results = %d", flag, len(diag.Results))
		}
	}
}

func TestRunDoctor_UnknownFlag(t *testing.T) {
	if code := runDoctor(context.Background(), []string{"--verbose"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunDoctor_BadConfigFails(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")
	t.Setenv("CLAWMESH_BACKEND", "nomad")

	var out bytes.Buffer
	if code := runDoctor(context.Background(), nil, &out); code != 1 {
		t.Fatalf("got exit code %d, want 1 for invalid config", code)
	}
	if !strings.Contains(out.String(), "[FAIL] Config") {
		t.Fatalf("output = %s", out.String())
	}
}
