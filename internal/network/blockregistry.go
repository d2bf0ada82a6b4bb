package network

import (
	"net/http"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// PatternType is the closed set of pattern-block rule kinds.
type PatternType string

const (
	PatternUserAgent PatternType = "user_agent"
	PatternHeader    PatternType = "header"
	PatternPath      PatternType = "path"
	PatternQuery     PatternType = "query"
)

// IPBlock is a single blocked IP entry.
type IPBlock struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// EndpointBlock blocks an HTTP method + path glob. Method "ALL" matches
// any verb.
type EndpointBlock struct {
	Glob      string    `json:"glob"`
	Method    string    `json:"method"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// PatternBlock matches a glob against a named field of the request;
// header-typed rules match if any header value glob-matches.
type PatternBlock struct {
	Type      PatternType `json:"type"`
	Glob      string      `json:"glob"`
	Reason    string      `json:"reason"`
	Actor     string      `json:"actor"`
	CreatedAt time.Time   `json:"created_at"`
}

// AllBlocks is the combined snapshot returned by getAllBlocks.
type AllBlocks struct {
	IPs       []IPBlock       `json:"ips"`
	Endpoints []EndpointBlock `json:"endpoints"`
	Patterns  []PatternBlock  `json:"patterns"`
}

// Request is the minimal shape matchesAnyPattern needs from an inbound
// request.
type Request struct {
	Path      string
	Method    string
	UserAgent string
	Headers   map[string]string
	Query     string
}

// Registry is the process-wide block list: O(1) IP membership plus ordered
// glob-rule evaluation, safe under concurrent read with occasional write.
type Registry struct {
	mu        sync.RWMutex
	ips       map[string]IPBlock
	endpoints []EndpointBlock
	patterns  []PatternBlock
}

// NewRegistry returns an empty Block Registry.
func NewRegistry() *Registry {
	return &Registry{ips: make(map[string]IPBlock)}
}

// BlockIP adds ip to the block list.
func (r *Registry) BlockIP(ip, reason, actor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ips[ip] = IPBlock{IP: ip, Reason: reason, Actor: actor, CreatedAt: time.Now().UTC()}
}

// UnblockIP removes ip from the block list.
func (r *Registry) UnblockIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ips, ip)
}

// IsIPBlocked reports block status in O(1).
func (r *Registry) IsIPBlocked(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ips[ip]
	return ok
}

// BlockEndpoint adds a method+path glob rule.
func (r *Registry) BlockEndpoint(glob, method, reason, actor string) {
	if method == "" {
		method = "ALL"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, EndpointBlock{
		Glob: glob, Method: strings.ToUpper(method), Reason: reason, Actor: actor, CreatedAt: time.Now().UTC(),
	})
}

// IsEndpointBlocked evaluates endpoint rules in insertion order; first
// match wins.
func (r *Registry) IsEndpointBlocked(path, method string) (bool, EndpointBlock) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	method = strings.ToUpper(method)
	for _, rule := range r.endpoints {
		if rule.Method != "ALL" && rule.Method != method {
			continue
		}
		if wildcard.Match(rule.Glob, path) {
			return true, rule
		}
	}
	return false, EndpointBlock{}
}

// BlockPattern adds a pattern rule over user_agent/header/path/query.
func (r *Registry) BlockPattern(typ PatternType, glob, reason, actor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, PatternBlock{Type: typ, Glob: glob, Reason: reason, Actor: actor, CreatedAt: time.Now().UTC()})
}

// MatchesAnyPattern evaluates every pattern rule against req, first match
// wins.
func (r *Registry) MatchesAnyPattern(req Request) (bool, PatternBlock) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.patterns {
		if matchesPattern(rule, req) {
			return true, rule
		}
	}
	return false, PatternBlock{}
}

func matchesPattern(rule PatternBlock, req Request) bool {
	switch rule.Type {
	case PatternUserAgent:
		return wildcard.Match(rule.Glob, req.UserAgent)
	case PatternPath:
		return wildcard.Match(rule.Glob, req.Path)
	case PatternQuery:
		return wildcard.Match(rule.Glob, req.Query)
	case PatternHeader:
		for _, v := range req.Headers {
			if wildcard.Match(rule.Glob, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// GetAllBlocks returns a consistent snapshot of every block kind.
func (r *Registry) GetAllBlocks() AllBlocks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ips := make([]IPBlock, 0, len(r.ips))
	for _, b := range r.ips {
		ips = append(ips, b)
	}
	endpoints := make([]EndpointBlock, len(r.endpoints))
	copy(endpoints, r.endpoints)
	patterns := make([]PatternBlock, len(r.patterns))
	copy(patterns, r.patterns)
	return AllBlocks{IPs: ips, Endpoints: endpoints, Patterns: patterns}
}

// RequestFromHTTP adapts a stdlib *http.Request into the Registry's minimal
// Request shape, flattening multi-value headers to their first value.
func RequestFromHTTP(r *http.Request) Request {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return Request{
		Path:      r.URL.Path,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Headers:   headers,
		Query:     r.URL.RawQuery,
	}
}
