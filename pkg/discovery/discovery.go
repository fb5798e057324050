package discovery

import (
	"net"
	"sort"
	"strings"

	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// LinkChecker reports whether an interface can carry probes
type LinkChecker interface {
	LinkUp(name string) bool
}

// LinkInfo describes a local interface
type LinkInfo struct {
	Name  string
	Up    bool
	Addrs []net.IP // IPv4 only
}

// Discoverer inspects local network interfaces
type Discoverer struct {
	logger *logx.Logger
}

// NewDiscoverer creates a new discoverer instance
func NewDiscoverer(logger *logx.Logger) *Discoverer {
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Discoverer{logger: logger}
}

// LinkUp reports whether the interface exists and holds an IPv4 address.
// The administrative state is not consulted: a modem link that lost its
// address is as unusable as one that is down.
func (d *Discoverer) LinkUp(name string) bool {
	addrs, err := ipv4Addrs(name)
	if err != nil {
		d.logger.Debug("Interface lookup failed", "interface", name, "error", err)
		return false
	}
	return len(addrs) > 0
}

// Describe returns the state of the named interfaces, skipping unknown ones
func (d *Discoverer) Describe(names []string) []LinkInfo {
	var out []LinkInfo
	for _, name := range names {
		info, err := describe(name)
		if err != nil {
			d.logger.Debug("Interface not present", "interface", name, "error", err)
			continue
		}
		out = append(out, info)
	}
	return out
}

// Candidates lists local interfaces that could be probed: not loopback and
// not container plumbing
func (d *Discoverer) Candidates() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || isVirtual(ifc.Name) {
			continue
		}
		names = append(names, ifc.Name)
	}
	sort.Strings(names)
	return names, nil
}

func isVirtual(name string) bool {
	for _, prefix := range []string{"veth", "docker", "br-", "virbr"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// StaticLinks is a LinkChecker with a fixed answer per interface, for dry
// runs and tests
type StaticLinks map[string]bool

func (s StaticLinks) LinkUp(name string) bool { return s[name] }
