package workerclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
)

// Verdict is the outcome of classifying a worker failure.
type Verdict struct {
	Blocked bool
	Reason  string
}

// Classifier decides whether a worker failure means the worker was blocked
// by the upstream provider or is just transiently failing.
type Classifier interface {
	Classify(err error) Verdict
}

// Rule matches a failure by status code, response body or error text.
// A rule matches when any of its conditions matches.
type Rule struct {
	Name          string   `yaml:"name"`
	StatusCodes   []int    `yaml:"status_codes"`
	BodyPatterns  []string `yaml:"body_patterns"`
	ErrorPatterns []string `yaml:"error_patterns"`
}

type compiledRule struct {
	name     string
	statuses map[int]bool
	body     []*regexp.Regexp
	errs     []*regexp.Regexp
}

// DefaultRules are the provider block signatures recognised out of the box.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "forbidden", StatusCodes: []int{403}},
		{Name: "unavailable for legal reasons", StatusCodes: []int{451}},
		{Name: "cloudflare", BodyPatterns: []string{`error code:?\s*10(15|20|27)\b`, `cloudflare.*(access denied|you have been blocked)`}},
		{Name: "account blocked", BodyPatterns: []string{`\b(blocked|banned|suspended)\b`}},
		{Name: "usage limit", BodyPatterns: []string{`exceeded.{0,40}limit`}, ErrorPatterns: []string{`exceeded.{0,40}limit`}},
	}
}

// RuleClassifier matches failures against an ordered rule list.
// Rules can be swapped at runtime.
type RuleClassifier struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// NewRuleClassifier compiles rules. Patterns are case-insensitive.
func NewRuleClassifier(rules []Rule) (*RuleClassifier, error) {
	c := &RuleClassifier{}
	if err := c.SetRules(rules); err != nil {
		return nil, err
	}
	return c, nil
}

// MustDefaultClassifier returns a classifier loaded with DefaultRules.
func MustDefaultClassifier() *RuleClassifier {
	c, err := NewRuleClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// SetRules replaces the rule list. On error the previous rules are kept.
func (c *RuleClassifier) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{name: r.Name, statuses: make(map[int]bool, len(r.StatusCodes))}
		if cr.name == "" {
			cr.name = "unnamed"
		}
		for _, code := range r.StatusCodes {
			cr.statuses[code] = true
		}
		var err error
		if cr.body, err = compileAll(r.BodyPatterns); err != nil {
			return fmt.Errorf("rule %s: %w", cr.name, err)
		}
		if cr.errs, err = compileAll(r.ErrorPatterns); err != nil {
			return fmt.Errorf("rule %s: %w", cr.name, err)
		}
		compiled = append(compiled, cr)
	}

	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	return nil
}

// Classify returns Blocked for the first matching rule. Timeouts, DNS
// failures, cancellations and 5xx answers are always transient.
func (c *RuleClassifier) Classify(err error) Verdict {
	if err == nil || isTransient(err) {
		return Verdict{}
	}

	var status int
	var body string
	var ce *CallError
	if errors.As(err, &ce) {
		status, body = ce.StatusCode, ce.Body
		if status >= 500 {
			return Verdict{}
		}
	}
	msg := err.Error()

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if status != 0 && r.statuses[status] {
			return Verdict{Blocked: true, Reason: fmt.Sprintf("%s (status %d)", r.name, status)}
		}
		if body != "" && matchAny(r.body, body) {
			return Verdict{Blocked: true, Reason: r.name + ": " + snippet(body)}
		}
		if matchAny(r.errs, msg) {
			return Verdict{Blocked: true, Reason: r.name + ": " + snippet(msg)}
		}
	}
	return Verdict{}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, 120)
}
