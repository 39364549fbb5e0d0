package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

const maxLineBytes = 1 << 20

// StreamStats summarises one Apply run.
type StreamStats struct {
	Applied  int
	Rejected int
}

// Apply reads newline-delimited instructions from r, submits them in order
// and writes one outcome per line to w. Blank lines are skipped; a line that
// does not decode yields an invalid_request outcome.
func (p *Processor) Apply(ctx context.Context, r io.Reader, w io.Writer) (StreamStats, error) {
	var stats StreamStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var outcome Outcome
		var ins Instruction
		if err := json.Unmarshal(raw, &ins); err != nil {
			decodeErr := fmt.Errorf("%w: line %d: %v", ErrInvalidRequest, line, err)
			outcome = Outcome{ErrorKind: ErrorKind(decodeErr), Error: decodeErr.Error()}
			p.metrics.Observe("unknown", outcome.ErrorKind, 0)
		} else {
			outcome = p.Submit(ctx, ins)
		}
		if outcome.OK {
			stats.Applied++
		} else {
			stats.Rejected++
		}
		if err := enc.Encode(outcome); err != nil {
			return stats, err
		}
	}
	return stats, scanner.Err()
}
