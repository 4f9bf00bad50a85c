// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	if got := Info(); got != "0.1.0-dev (unknown, unknown)" {
		t.Errorf("Info() = %q", got)
	}

	original := GitDirty
	GitDirty = "true"
	defer func() { GitDirty = original }()
	if got := Info(); !strings.Contains(got, "unknown-dirty") {
		t.Errorf("Info() with dirty tree = %q", got)
	}
}

func TestPrint(t *testing.T) {
	var buffer bytes.Buffer
	Print(&buffer, "agentwire")
	output := buffer.String()
	for _, want := range []string{"agentwire 0.1.0-dev", "Go: go", "Platform: "} {
		if !strings.Contains(output, want) {
			t.Errorf("Print output missing %q:\n%s", want, output)
		}
	}
}
