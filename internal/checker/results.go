// Package checker executes check commands and drives the checkable state
// machine: a resizable pool of workers backed by persistent shell processes,
// plugin output parsing, flap windows and check result processing.
package checker

import (
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/oceanplexian/vigil/internal/objects"
	"github.com/oceanplexian/vigil/internal/perfdata"
)

var log = logrus.WithField(trace.Component, "vigil:checker")

// outputLimit caps captured plugin output. Merged stdout+stderr beyond this
// is dropped.
const outputLimit = 8192

// SplitOutput parses raw plugin output into its three parts.
//
// Format:
//
//	SHORT OUTPUT | perfdata
//	LONG OUTPUT LINE 1
//	LONG OUTPUT LINE 2 | more perfdata
//	more perfdata
//
// The first line up to | is the short output; following lines accumulate as
// long output until a | hands the remainder over to perfdata.
func SplitOutput(raw string) (short, long string, perf []objects.PerfValue) {
	if raw == "" {
		return "", "", nil
	}

	lines := strings.Split(raw, "\n")
	var longLines, perfLines []string
	inPerfData := false

	for i, line := range lines {
		if i == 0 {
			if idx := strings.Index(line, "|"); idx >= 0 {
				short = strings.TrimSpace(line[:idx])
				perfLines = append(perfLines, strings.TrimSpace(line[idx+1:]))
			} else {
				short = strings.TrimSpace(line)
			}
			continue
		}
		if inPerfData {
			perfLines = append(perfLines, strings.TrimSpace(line))
			continue
		}
		if idx := strings.Index(line, "|"); idx >= 0 {
			inPerfData = true
			if head := strings.TrimSpace(line[:idx]); head != "" {
				longLines = append(longLines, head)
			}
			if rest := strings.TrimSpace(line[idx+1:]); rest != "" {
				perfLines = append(perfLines, rest)
			}
			continue
		}
		longLines = append(longLines, line)
	}

	long = strings.Join(longLines, "\n")
	if joined := strings.TrimSpace(strings.Join(perfLines, " ")); joined != "" {
		perf = perfdata.Parse(joined)
	}
	return short, long, perf
}

// ApplyOutput truncates and splits raw command output into the result.
// Passive ingestion paths use it so hand-delivered output is parsed the same
// way as plugin output.
func ApplyOutput(cr *objects.CheckResult, raw string) {
	if len(raw) > outputLimit {
		raw = raw[:outputLimit]
	}
	cr.Output, cr.LongOutput, cr.PerfData = SplitOutput(raw)
}
