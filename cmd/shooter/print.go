package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/orchestrator"
)

func printReport(w io.Writer, report orchestrator.Report, endpoints []string) {
	state := report.Final().String()
	elapsed := report.Finished.Sub(report.Started).Round(time.Millisecond).String()

	idW := maxInt(36, len(report.RunID))
	stateW := maxInt(7, len(state))
	numW := 6
	timeW := maxInt(7, len(elapsed))

	sep := fmt.Sprintf("+-%s-+-%s-+-%s-+-%s-+-%s-+\n",
		strings.Repeat("-", idW), strings.Repeat("-", stateW),
		strings.Repeat("-", numW), strings.Repeat("-", numW), strings.Repeat("-", timeW))
	fmt.Fprint(w, sep)
	fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
		pad("RUN", idW), pad("STATE", stateW), pad("FIRED", numW), pad("FAILED", numW), pad("ELAPSED", timeW))
	fmt.Fprint(w, sep)
	fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
		pad(report.RunID, idW), pad(state, stateW),
		pad(strconv.Itoa(report.Summary.Fired), numW), pad(strconv.Itoa(report.Summary.Failed), numW), pad(elapsed, timeW))
	fmt.Fprint(w, sep)

	if len(report.Summary.Hits) != len(endpoints) || len(endpoints) == 0 {
		return
	}
	epW := len("ENDPOINT")
	for _, e := range endpoints {
		epW = maxInt(epW, len(e))
	}
	sep = fmt.Sprintf("+-%s-+-%s-+\n", strings.Repeat("-", epW), strings.Repeat("-", numW))
	fmt.Fprint(w, sep)
	fmt.Fprintf(w, "| %s | %s |\n", pad("ENDPOINT", epW), pad("HITS", numW))
	fmt.Fprint(w, sep)
	for i, e := range endpoints {
		fmt.Fprintf(w, "| %s | %s |\n", pad(e, epW), pad(strconv.Itoa(report.Summary.Hits[i]), numW))
	}
	fmt.Fprint(w, sep)
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
