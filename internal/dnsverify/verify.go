// Package dnsverify checks that a resolver answers managed rewrites the way
// the managed set says it should.
package dnsverify

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"adguard-dns-sync/internal/rewrite"
)

// Outcome of a single lookup.
type Outcome string

const (
	OutcomeMatch    Outcome = "match"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeError    Outcome = "error"
)

// Result is the verification of one rule.
type Result struct {
	Domain   string   `json:"domain" yaml:"domain"`
	Expected string   `json:"expected" yaml:"expected"`
	Answers  []string `json:"answers,omitempty" yaml:"answers,omitempty"`
	Outcome  Outcome  `json:"outcome" yaml:"outcome"`
	Error    string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary aggregates a verification run.
type Summary struct {
	Server     string   `json:"server" yaml:"server"`
	Matched    int      `json:"matched" yaml:"matched"`
	Mismatched int      `json:"mismatched" yaml:"mismatched"`
	Errors     int      `json:"errors" yaml:"errors"`
	Results    []Result `json:"results" yaml:"results"`
}

// OK reports whether every rule matched.
func (s *Summary) OK() bool {
	return s.Mismatched == 0 && s.Errors == 0
}

// Verifier queries a single DNS server.
type Verifier struct {
	server string
	client *dns.Client
	log    logrus.FieldLogger
}

// New returns a verifier for server, given as host or host:port.
func New(server string, timeout time.Duration, log logrus.FieldLogger) (*Verifier, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, fmt.Errorf("dns server is required")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Verifier{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		log:    log.WithFields(logrus.Fields{"component": "dnsverify", "server": server}),
	}, nil
}

// Verify resolves every enabled rule in the set, in domain order.
func (v *Verifier) Verify(ctx context.Context, set rewrite.Set) (*Summary, error) {
	summary := &Summary{Server: v.server}
	for _, domain := range set.Domains() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rule := set[domain]
		if !rule.Enabled {
			continue
		}
		result := v.verifyRule(ctx, rule)
		switch result.Outcome {
		case OutcomeMatch:
			summary.Matched++
		case OutcomeMismatch:
			summary.Mismatched++
		default:
			summary.Errors++
		}
		v.log.WithFields(logrus.Fields{"domain": domain, "outcome": result.Outcome}).Debug("verified rule")
		summary.Results = append(summary.Results, result)
	}
	return summary, nil
}

func (v *Verifier) verifyRule(ctx context.Context, rule rewrite.Rule) Result {
	result := Result{Domain: rule.Domain, Expected: rule.Answer}
	qtype := queryType(rule.Answer)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(rule.Domain), qtype)
	msg.RecursionDesired = true

	resp, _, err := v.client.ExchangeContext(ctx, msg, v.server)
	if err != nil {
		result.Outcome = OutcomeError
		result.Error = err.Error()
		return result
	}
	if resp.Rcode != dns.RcodeSuccess {
		result.Outcome = OutcomeError
		result.Error = dns.RcodeToString[resp.Rcode]
		return result
	}

	expected := normalizeAnswer(rule.Answer)
	result.Outcome = OutcomeMismatch
	for _, rr := range resp.Answer {
		value := answerValue(rr)
		if value == "" {
			continue
		}
		result.Answers = append(result.Answers, value)
		if normalizeAnswer(value) == expected {
			result.Outcome = OutcomeMatch
		}
	}
	return result
}

func queryType(answer string) uint16 {
	ip := net.ParseIP(answer)
	switch {
	case ip == nil:
		return dns.TypeCNAME
	case ip.To4() != nil:
		return dns.TypeA
	default:
		return dns.TypeAAAA
	}
}

func answerValue(rr dns.RR) string {
	switch r := rr.(type) {
	case *dns.A:
		return r.A.String()
	case *dns.AAAA:
		return r.AAAA.String()
	case *dns.CNAME:
		return r.Target
	default:
		return ""
	}
}

func normalizeAnswer(value string) string {
	if ip := net.ParseIP(value); ip != nil {
		return ip.String()
	}
	return rewrite.NormalizeDomain(value)
}
