package workflow

import (
	"context"
	"errors"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

var rttRe = regexp.MustCompile(`time[=<]([\d.]+)\s*ms`)

// OSPinger shells out to the system ping utility with a single packet.
type OSPinger struct {
	// Binary defaults to "ping".
	Binary string
}

var _ Pinger = (*OSPinger)(nil)

// Ping implements Pinger. A non-zero exit status means unreachable, not an error.
func (p *OSPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (PingResult, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ping"
	}
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}

	// Slack over the utility's own timeout so that it reports first.
	runCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	out, err := exec.CommandContext(runCtx, bin, "-c", "1", "-W", strconv.Itoa(secs), addr).CombinedOutput()
	res := PingResult{Output: string(out)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, nil
		}
		return res, err
	}

	res.Reachable = true
	res.RTT = parseRTT(res.Output)
	return res, nil
}

func parseRTT(output string) time.Duration {
	m := rttRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	ms, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
