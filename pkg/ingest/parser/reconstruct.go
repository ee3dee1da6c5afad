package parser

import "strings"

// RecordReconstructor joins wrapped syslog lines back into full records.
// NetWall wraps long CONN records across lines; a line matching none of
// the known framings is a continuation of the record before it.
// Continuations arriving before any record start are dropped.
type RecordReconstructor struct {
	current string
	started bool
}

// FeedLine accepts one input line and returns any record it completed.
// A record is complete once the next record start arrives; call Flush
// at end of input for the final one.
func (r *RecordReconstructor) FeedLine(line string) []string {
	if isRecordStart(line) {
		var out []string
		if r.started {
			out = []string{r.current}
		}
		r.current = strings.TrimSpace(line)
		r.started = true
		return out
	}
	if !r.started {
		return nil
	}
	r.current += " " + strings.TrimSpace(line)
	return nil
}

// Flush returns the record still being accumulated, if any.
func (r *RecordReconstructor) Flush() []string {
	if !r.started {
		return nil
	}
	out := []string{r.current}
	r.current = ""
	r.started = false
	return out
}

func isRecordStart(line string) bool {
	return inControlRe.MatchString(line) ||
		rfc5424Re.MatchString(line) ||
		bracketRe.MatchString(line) ||
		bsdRe.MatchString(line)
}
