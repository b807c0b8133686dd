// Package cloudflare implements the rewrite gateway on top of a Cloudflare
// DNS zone. Each rewrite becomes an A, AAAA or CNAME record.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	cloudflare "github.com/cloudflare/cloudflare-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"adguard-dns-sync/internal/retry"
	"adguard-dns-sync/internal/rewrite"
)

// ManagedComment tags records written by this tool.
const ManagedComment = "managed-by adguard-dns-sync"

const defaultTTL = 1 // automatic

// API is the subset of the Cloudflare client used by the gateway.
type API interface {
	ZoneIDByName(zoneName string) (string, error)
	ListDNSRecords(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error)
	CreateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.UpdateDNSRecordParams) (cloudflare.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, recordID string) error
	VerifyAPIToken(ctx context.Context) (cloudflare.APITokenVerifyBody, error)
}

// CallRecorder receives one entry per provider call.
type CallRecorder interface {
	RecordCall(operation string, success bool, latency time.Duration)
}

// Gateway keeps rewrite rules as DNS records in one zone.
type Gateway struct {
	api      API
	zoneID   string
	zoneName string
	policy   retry.Policy
	log      logrus.FieldLogger
	recorder CallRecorder
}

type Option func(*Gateway)

func WithLogger(log logrus.FieldLogger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

func WithRecorder(r CallRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(g *Gateway) {
		if p.MaxAttempts > 0 {
			g.policy = p
		}
	}
}

// NewAPI instantiates the Cloudflare client using an API token.
func NewAPI(apiToken string) (*cloudflare.API, error) {
	if strings.TrimSpace(apiToken) == "" {
		return nil, errors.New("cloudflare token is required")
	}
	api, err := cloudflare.NewWithAPIToken(apiToken)
	if err != nil {
		return nil, fmt.Errorf("init cloudflare client: %w", err)
	}
	return api, nil
}

// NewGateway resolves the zone and returns a gateway bound to it. zone may be
// a zone name or any host inside the zone.
func NewGateway(api API, zone string, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		api:    api,
		policy: retry.DefaultPolicy(),
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	zoneName, err := ResolveZoneName(api, zone)
	if err != nil {
		return nil, err
	}
	zoneID, err := api.ZoneIDByName(zoneName)
	if err != nil {
		return nil, fmt.Errorf("resolve zone %s: %w", zoneName, err)
	}
	g.zoneID = zoneID
	g.zoneName = zoneName
	g.log = g.log.WithFields(logrus.Fields{"component": "cloudflare", "zone": zoneName})
	return g, nil
}

// ZoneName returns the resolved zone.
func (g *Gateway) ZoneName() string {
	return g.zoneName
}

// List returns the zone's A, AAAA and CNAME records as rewrite rules.
func (g *Gateway) List(ctx context.Context) (rewrite.Set, error) {
	var records []cloudflare.DNSRecord
	err := g.run(ctx, "list", "", func(ctx context.Context) error {
		var err error
		records, err = g.fetchRecords(ctx, cloudflare.ListDNSRecordsParams{})
		return err
	})
	if err != nil {
		return nil, err
	}
	set := make(rewrite.Set, len(records))
	for _, rec := range records {
		if !rewriteType(rec.Type) {
			continue
		}
		set.Add(rewrite.Rule{Domain: rec.Name, Answer: rec.Content, Enabled: true})
	}
	return set, nil
}

func (g *Gateway) Create(ctx context.Context, rule rewrite.Rule) bool {
	err := g.run(ctx, "create", rule.Domain, func(ctx context.Context) error {
		_, err := g.api.CreateDNSRecord(ctx, g.rc(), cloudflare.CreateDNSRecordParams{
			Type:    recordType(rule.Answer),
			Name:    rule.Domain,
			Content: rule.Answer,
			TTL:     defaultTTL,
			Comment: ManagedComment,
		})
		return err
	})
	return err == nil
}

func (g *Gateway) Update(ctx context.Context, current, desired rewrite.Rule) bool {
	err := g.run(ctx, "update", current.Domain, func(ctx context.Context) error {
		rec, err := g.findRecord(ctx, current.Domain, current.Answer)
		if err != nil {
			return err
		}
		comment := ManagedComment
		_, err = g.api.UpdateDNSRecord(ctx, g.rc(), cloudflare.UpdateDNSRecordParams{
			ID:      rec.ID,
			Type:    recordType(desired.Answer),
			Name:    rec.Name,
			Content: desired.Answer,
			TTL:     defaultTTL,
			Comment: &comment,
		})
		return err
	})
	return err == nil
}

func (g *Gateway) Delete(ctx context.Context, domain, answer string) bool {
	err := g.run(ctx, "delete", domain, func(ctx context.Context) error {
		rec, err := g.findRecord(ctx, domain, answer)
		if errors.Is(err, errRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return g.api.DeleteDNSRecord(ctx, g.rc(), rec.ID)
	})
	return err == nil
}

// Ping verifies the API token.
func (g *Gateway) Ping(ctx context.Context) error {
	start := time.Now()
	_, err := g.api.VerifyAPIToken(ctx)
	g.record("status", err == nil, time.Since(start))
	return err
}

var errRecordNotFound = errors.New("record not found")

func (g *Gateway) findRecord(ctx context.Context, name, content string) (cloudflare.DNSRecord, error) {
	records, err := g.fetchRecords(ctx, cloudflare.ListDNSRecordsParams{Name: name})
	if err != nil {
		return cloudflare.DNSRecord{}, err
	}
	for _, rec := range records {
		if rewriteType(rec.Type) && rec.Content == content && rewrite.NormalizeDomain(rec.Name) == rewrite.NormalizeDomain(name) {
			return rec, nil
		}
	}
	return cloudflare.DNSRecord{}, retry.Permanent(fmt.Errorf("%w: %s -> %s", errRecordNotFound, name, content))
}

func (g *Gateway) fetchRecords(ctx context.Context, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, error) {
	params.ResultInfo.PerPage = 500
	var all []cloudflare.DNSRecord
	for {
		records, info, err := g.api.ListDNSRecords(ctx, g.rc(), params)
		if err != nil {
			return nil, fmt.Errorf("list dns records: %w", err)
		}
		all = append(all, records...)
		if info == nil || info.Page >= info.TotalPages || info.TotalPages == 0 {
			break
		}
		params.ResultInfo.Page = info.Page + 1
		params.ResultInfo.PerPage = info.PerPage
	}
	return all, nil
}

func (g *Gateway) rc() *cloudflare.ResourceContainer {
	return cloudflare.ZoneIdentifier(g.zoneID)
}

func (g *Gateway) run(ctx context.Context, op, domain string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts, err := retry.Do(ctx, g.policy, fn, func(attempt int, err error, wait time.Duration) {
		g.log.WithFields(logrus.Fields{"operation": op, "domain": domain, "attempt": attempt, "retry_in": wait.String()}).
			WithError(err).Warn("cloudflare call failed, retrying")
	})
	elapsed := time.Since(start)
	g.record(op, err == nil, elapsed)
	entry := g.log.WithFields(logrus.Fields{
		"operation":   op,
		"domain":      domain,
		"success":     err == nil,
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("cloudflare call failed")
	} else {
		entry.Debug("cloudflare call succeeded")
	}
	return err
}

func (g *Gateway) record(op string, success bool, latency time.Duration) {
	if g.recorder != nil {
		g.recorder.RecordCall(op, success, latency)
	}
}

func recordType(answer string) string {
	ip := net.ParseIP(answer)
	switch {
	case ip == nil:
		return "CNAME"
	case ip.To4() != nil:
		return "A"
	default:
		return "AAAA"
	}
}

func rewriteType(t string) bool {
	switch strings.ToUpper(t) {
	case "A", "AAAA", "CNAME":
		return true
	default:
		return false
	}
}

// ResolveZoneName finds the Cloudflare zone that owns the provided host.
func ResolveZoneName(api API, host string) (string, error) {
	clean := sanitizeCandidateHost(host)
	if clean == "" {
		return "", errors.New("host is required to resolve zone")
	}
	for _, candidate := range zoneCandidates(clean) {
		if _, err := api.ZoneIDByName(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no Cloudflare zone matches host %s", clean)
}

func sanitizeCandidateHost(host string) string {
	value := strings.TrimSpace(strings.ToLower(host))
	value = strings.Trim(value, ".")
	value = strings.TrimPrefix(value, "www.")
	return value
}

func zoneCandidates(host string) []string {
	seen := make(map[string]struct{})
	var candidates []string

	if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		addZoneCandidate(&candidates, seen, etld)
	}

	labels := strings.Split(host, ".")
	for i := 0; i <= len(labels)-2; i++ {
		addZoneCandidate(&candidates, seen, strings.Join(labels[i:], "."))
	}
	return candidates
}

func addZoneCandidate(list *[]string, seen map[string]struct{}, candidate string) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return
	}
	if _, exists := seen[candidate]; exists {
		return
	}
	seen[candidate] = struct{}{}
	*list = append(*list, candidate)
}

var (
	_ rewrite.Gateway = (*Gateway)(nil)
	_ rewrite.Pinger  = (*Gateway)(nil)
)
