package voice

import (
	"fmt"
	"strings"
)

// InboundPolicy decides which inbound callers get a call record.
type InboundPolicy string

const (
	InboundOpen      InboundPolicy = "open"
	InboundAllowlist InboundPolicy = "allowlist"
	InboundDisabled  InboundPolicy = "disabled"
)

// ParseInboundPolicy validates a configured policy name. Empty means open.
func ParseInboundPolicy(s string) (InboundPolicy, error) {
	switch p := InboundPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return InboundOpen, nil
	case InboundOpen, InboundAllowlist, InboundDisabled:
		return p, nil
	default:
		return "", fmt.Errorf("unknown inbound policy %q", s)
	}
}

type inboundGate struct {
	policy InboundPolicy
	allow  map[string]struct{}
}

func newInboundGate(policy InboundPolicy, allowFrom []string) inboundGate {
	if policy == "" {
		policy = InboundOpen
	}
	allow := make(map[string]struct{}, len(allowFrom))
	for _, number := range allowFrom {
		number = strings.TrimSpace(number)
		if number != "" {
			allow[number] = struct{}{}
		}
	}
	return inboundGate{policy: policy, allow: allow}
}

// allows matches the caller number verbatim against the allowlist.
func (g inboundGate) allows(from string) bool {
	switch g.policy {
	case InboundOpen:
		return true
	case InboundAllowlist:
		_, ok := g.allow[from]
		return ok
	default:
		return false
	}
}
