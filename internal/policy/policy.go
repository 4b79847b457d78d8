// Package policy decides allow/ask/deny for capability invocations.
// Rules are glob patterns over capability names with an optional argument
// predicate. Precedence is deny > ask > allow; within a class the first
// matching rule in order wins. Unknown capabilities default to ask.
package policy

import (
	"path"
	"regexp"
	"strings"
)

type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// Rule matches a capability pattern, optionally constrained by a regular
// expression over the rendered arguments. The config syntax is
// "capability" or "capability ~ regex".
type Rule struct {
	Pattern string
	Args    *regexp.Regexp
}

func ParseRule(raw string) Rule {
	pattern, expr, found := strings.Cut(raw, "~")
	pattern = strings.TrimSpace(pattern)
	if !found {
		return Rule{Pattern: pattern}
	}
	re, err := regexp.Compile(strings.TrimSpace(expr))
	if err != nil {
		// An unparseable predicate must not silently widen the rule.
		return Rule{Pattern: pattern, Args: regexp.MustCompile(`\A\z.`)}
	}
	return Rule{Pattern: pattern, Args: re}
}

func (r Rule) matches(capability, args string) bool {
	ok, err := path.Match(r.Pattern, capability)
	if err != nil || !ok {
		if r.Pattern != capability {
			return false
		}
	}
	if r.Args != nil && !r.Args.MatchString(args) {
		return false
	}
	return true
}

// Policy is an immutable rule snapshot. Reloads produce a new value;
// callers holding a snapshot see consistent decisions.
type Policy struct {
	allow []Rule
	ask   []Rule
	deny  []Rule
}

func New(allow, ask, deny []string) *Policy {
	return &Policy{
		allow: parseAll(allow),
		ask:   parseAll(ask),
		deny:  parseAll(deny),
	}
}

func parseAll(raw []string) []Rule {
	out := make([]Rule, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		out = append(out, ParseRule(r))
	}
	return out
}

// Check returns the decision for a capability with its rendered arguments.
func (p *Policy) Check(capability, args string) Decision {
	capability = ReclassifyShell(capability, args)
	for _, r := range p.deny {
		if r.matches(capability, args) {
			return Deny
		}
	}
	for _, r := range p.ask {
		if r.matches(capability, args) {
			return Ask
		}
	}
	for _, r := range p.allow {
		if r.matches(capability, args) {
			return Allow
		}
	}
	return Ask
}

// WithDecision returns a copy of the policy with capability moved into the
// list for decision, used when the user asks to remember a choice.
func (p *Policy) WithDecision(capability string, decision Decision) *Policy {
	strip := func(rules []Rule) []Rule {
		out := make([]Rule, 0, len(rules))
		for _, r := range rules {
			if r.Pattern == capability && r.Args == nil {
				continue
			}
			out = append(out, r)
		}
		return out
	}
	next := &Policy{
		allow: strip(p.allow),
		ask:   strip(p.ask),
		deny:  strip(p.deny),
	}
	added := Rule{Pattern: capability}
	switch decision {
	case Allow:
		next.allow = append(next.allow, added)
	case Deny:
		next.deny = append(next.deny, added)
	default:
		next.ask = append(next.ask, added)
	}
	return next
}

// Rules returns the pattern lists in config form.
func (p *Policy) Rules() (allow, ask, deny []string) {
	render := func(rules []Rule) []string {
		out := make([]string, 0, len(rules))
		for _, r := range rules {
			if r.Args != nil {
				out = append(out, r.Pattern+" ~ "+r.Args.String())
				continue
			}
			out = append(out, r.Pattern)
		}
		return out
	}
	return render(p.allow), render(p.ask), render(p.deny)
}

// shellWritePrimitives is the fixed reclassification table: shell commands
// containing any of these are treated as shell.write before rule matching.
var shellWritePrimitives = []*regexp.Regexp{
	regexp.MustCompile(`>>?`),
	regexp.MustCompile(`(^|[|&;(\s])tee(\s|$)`),
	regexp.MustCompile(`(^|[|&;(\s])sed\s+(-[a-zA-Z]*\s+)*-i`),
	regexp.MustCompile(`(^|[|&;(\s])rm(\s|$)`),
	regexp.MustCompile(`(^|[|&;(\s])mv(\s|$)`),
}

// ReclassifyShell maps shell.run invocations whose command carries a write
// primitive onto shell.write. Other capabilities pass through unchanged.
func ReclassifyShell(capability, command string) string {
	if capability != "shell.run" {
		return capability
	}
	for _, re := range shellWritePrimitives {
		if re.MatchString(command) {
			return "shell.write"
		}
	}
	return capability
}
