// Package policy decides the verdict for a packet from an ordered list of
// match rules.
package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mazdakn/uqueue/pkg/config"
	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/packet"
	"golang.org/x/sys/unix"
)

// Decision is what to do with a packet. Rule is the index of the matching
// rule, or -1 for the default.
type Decision struct {
	Verdict driver.Verdict
	Mark    uint32
	HasMark bool
	Rule    int
}

type Policy struct {
	SrcNet *net.IPNet
	DstNet *net.IPNet

	Proto   byte
	DstPort uint16

	Decision Decision
}

func (p Policy) Match(pkt *packet.Packet) bool {
	if p.SrcNet != nil && !p.SrcNet.Contains(pkt.SrcAddr()) {
		return false
	}
	if p.DstNet != nil && !p.DstNet.Contains(pkt.DstAddr()) {
		return false
	}
	if p.Proto != 0 && p.Proto != pkt.Protocol() {
		return false
	}
	if p.DstPort != 0 && p.DstPort != pkt.DstPort() {
		return false
	}
	return true
}

type PolicyTable struct {
	policies []Policy
	fallback Decision
}

func New(conf config.Policy) (*PolicyTable, error) {
	v, err := driver.ParseVerdict(conf.Default)
	if err != nil {
		return nil, fmt.Errorf("invalid default verdict - err: %w", err)
	}
	t := &PolicyTable{
		fallback: Decision{Verdict: v, Rule: -1},
	}
	for i, rule := range conf.Rules {
		p, err := parseRule(rule)
		if err != nil {
			return nil, fmt.Errorf("invalid rule %v - err: %w", i, err)
		}
		p.Decision.Rule = i
		t.policies = append(t.policies, p)
	}
	return t, nil
}

func parseRule(rule config.Rule) (Policy, error) {
	var p Policy
	var err error
	if rule.Source != "" {
		if p.SrcNet, err = parseNet(rule.Source); err != nil {
			return p, err
		}
	}
	if rule.Destination != "" {
		if p.DstNet, err = parseNet(rule.Destination); err != nil {
			return p, err
		}
	}
	if rule.Port != "" {
		if p.Proto, p.DstPort, err = policyProtoPort(rule.Port); err != nil {
			return p, err
		}
	}
	if p.Decision.Verdict, err = driver.ParseVerdict(rule.Verdict); err != nil {
		return p, err
	}
	if rule.Mark != nil {
		p.Decision.Mark = *rule.Mark
		p.Decision.HasMark = true
	}
	return p, nil
}

// parseNet accepts a CIDR or a bare address.
func parseNet(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		if ip.To4() != nil {
			return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}, nil
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return ipNet, nil
}

// policyProtoPort parses "udp:53", "tcp:443", "tcp", "icmp" or "icmp6".
func policyProtoPort(port string) (byte, uint16, error) {
	name, p, hasPort := strings.Cut(port, ":")
	var proto byte
	switch name {
	case "udp":
		proto = unix.IPPROTO_UDP
	case "tcp":
		proto = unix.IPPROTO_TCP
	case "icmp":
		proto = unix.IPPROTO_ICMP
	case "icmp6":
		proto = unix.IPPROTO_ICMPV6
	default:
		return 0, 0, fmt.Errorf("unknown protocol %q", name)
	}
	if !hasPort {
		return proto, 0, nil
	}
	if proto != unix.IPPROTO_UDP && proto != unix.IPPROTO_TCP {
		return 0, 0, fmt.Errorf("protocol %v has no ports", name)
	}
	dport, err := strToPort(p)
	if err != nil {
		return 0, 0, err
	}
	return proto, dport, nil
}

func strToPort(p string) (uint16, error) {
	pInt, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q - err: %w", p, err)
	}
	if pInt <= 0 || pInt > 65535 {
		return 0, fmt.Errorf("port %v out of range", pInt)
	}
	return uint16(pInt), nil
}

// Match returns the decision of the first matching rule, or the default.
func (t *PolicyTable) Match(pkt *packet.Packet) Decision {
	for _, p := range t.policies {
		if p.Match(pkt) {
			return p.Decision
		}
	}
	return t.fallback
}

// Default is the decision for packets no rule matches, or that cannot be
// decoded.
func (t *PolicyTable) Default() Decision {
	return t.fallback
}

func (t *PolicyTable) Len() int {
	return len(t.policies)
}
