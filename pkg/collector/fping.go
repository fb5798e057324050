package collector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/uomping/pkg"
)

// ProbeSample is one echo reply
type ProbeSample struct {
	Timestamp float64 // epoch seconds reported by the probe tool
	Host      string
	Seq       int
	Bytes     int
	RTT       float64 // milliseconds
}

// Prober sends one echo probe bound to an interface
type Prober interface {
	Probe(ctx context.Context, iface, target string) (ProbeSample, error)
}

// fping -D -c 1 reply line:
// [1516891234.123456] 195.251.209.199 : [0], 64 bytes, 25.1 ms (25.1 avg, 0% loss)
var probeLineRE = regexp.MustCompile(`^\[([0-9]+\.[0-9]+)\] ([^ ]+) : \[([0-9]+)\], (\d+) bytes, ([0-9]+(?:\.[0-9]+)?) ms \(.*\)$`)

// ParseProbeLine parses one line of probe output. Lines not matching the reply
// grammar (timeouts, unreachable, empty output) yield pkg.ErrProbeMiss.
func ParseProbeLine(raw string) (ProbeSample, error) {
	line := strings.TrimRight(raw, "\r\n")
	m := probeLineRE.FindStringSubmatch(line)
	if m == nil {
		return ProbeSample{}, fmt.Errorf("%w: %q", pkg.ErrProbeMiss, line)
	}

	ts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: timestamp %q", pkg.ErrProbeMiss, m[1])
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: sequence %q", pkg.ErrProbeMiss, m[3])
	}
	n, err := strconv.Atoi(m[4])
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: bytes %q", pkg.ErrProbeMiss, m[4])
	}
	rtt, err := strconv.ParseFloat(m[5], 64)
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: rtt %q", pkg.ErrProbeMiss, m[5])
	}

	return ProbeSample{Timestamp: ts, Host: m[2], Seq: seq, Bytes: n, RTT: rtt}, nil
}

// FpingProber runs the external fping tool for every probe
type FpingProber struct {
	Path string
}

// NewFpingProber creates a prober using the fping binary at path
func NewFpingProber(path string) *FpingProber {
	if path == "" {
		path = "fping"
	}
	return &FpingProber{Path: path}
}

// Args returns the fping arguments for one timestamped single-packet probe
func (p *FpingProber) Args(iface, target string) []string {
	return []string{"-I", iface, "-D", "-c", "1", target}
}

// Probe runs fping once. The child is killed when ctx is cancelled.
func (p *FpingProber) Probe(ctx context.Context, iface, target string) (ProbeSample, error) {
	cmd := exec.CommandContext(ctx, p.Path, p.Args(iface, target)...)
	// fping exits non-zero when the target is unreachable; the first stdout
	// line decides the outcome either way.
	out, runErr := cmd.Output()
	if ctx.Err() != nil {
		return ProbeSample{}, ctx.Err()
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	if !sc.Scan() {
		if runErr != nil {
			return ProbeSample{}, fmt.Errorf("%w: %v", pkg.ErrProbeMiss, runErr)
		}
		return ProbeSample{}, fmt.Errorf("%w: no output", pkg.ErrProbeMiss)
	}
	return ParseProbeLine(sc.Text())
}
