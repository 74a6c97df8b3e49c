package queue

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// parseQstat extracts (id, full name, submit time) from `qstat -r` output.
// Each job contributes a header line starting with the numeric job id:
//
//	[job-ID] [priority] [name] [user] [state] [MM/DD/YYYY] [HH:MM:SS] ...
//
// followed by an indented "Full jobname: <name>" line carrying the
// untruncated name.
func parseQstat(out string) ([]Job, error) {
	var jobs []Job
	var cur *Job

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch {
		case startsWithDigit(trimmed):
			fields := strings.Fields(trimmed)
			if len(fields) < 7 {
				return nil, fmt.Errorf("bad qstat line: %q", trimmed)
			}
			j := Job{ID: fields[0]}
			at, err := time.Parse("01/02/2006 15:04:05", fields[5]+" "+fields[6])
			if err != nil {
				return nil, fmt.Errorf("bad qstat timestamp in %q: %w", trimmed, err)
			}
			j.SubmittedAt = at.UTC()
			j.Name = fields[2] // truncated; the full-name line overrides
			cur = &j
			jobs = append(jobs, j)
		case strings.HasPrefix(trimmed, "Full jobname:") && cur != nil:
			name := strings.TrimSpace(strings.TrimPrefix(trimmed, "Full jobname:"))
			jobs[len(jobs)-1].Name = name
			cur = nil
		}
	}
	return jobs, nil
}

func startsWithDigit(s string) bool {
	return len(s) > 0 && unicode.IsDigit(rune(s[0]))
}
