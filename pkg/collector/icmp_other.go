//go:build !linux

package collector

import (
	"context"
	"errors"
	"time"
)

// ICMPProber is only implemented on linux
type ICMPProber struct {
	Timeout time.Duration
}

// NewICMPProber creates a prober that always fails on this platform
func NewICMPProber(timeout time.Duration) *ICMPProber {
	return &ICMPProber{Timeout: timeout}
}

// Probe reports that interface-bound ICMP is unsupported here
func (p *ICMPProber) Probe(ctx context.Context, iface, target string) (ProbeSample, error) {
	return ProbeSample{}, errors.New("interface-bound ICMP probing requires linux")
}
