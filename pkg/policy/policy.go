// Package policy decides whether responses are stored and when stored
// snapshots expire.
package policy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/cachecontrol/cacheobject"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Rule sets the time to live for requests it matches.
// Rules are matched in order and the first match wins. A rule with a
// Path matches that exact path, a rule with a Prefix matches all paths
// under it, and an empty rule matches everything.
//
// A matching rule with a zero TTL excludes the request from the cache.
// Set Forever to store matches with no expiry at all.
type Rule struct {
	Prefix  string   `yaml:"prefix"`
	Path    string   `yaml:"path"`
	Method  string   `yaml:"method"`
	TTL     Duration `yaml:"ttl"`
	Forever bool     `yaml:"forever"`
}

// Policy decides storability and expiry for responses.
// The zero value stores nothing; use Default for a usable starting
// point.
type Policy struct {
	// Rules are consulted first; the first matching rule decides.
	Rules []Rule `yaml:"rules"`
	// DefaultTTL applies when no rule matches. Zero means no default,
	// i.e. unmatched requests are not stored.
	DefaultTTL Duration `yaml:"defaultTTL"`
	// RespectHeaders derives storability and expiry from the
	// response's cache headers instead of the rule table.
	RespectHeaders bool `yaml:"respectHeaders"`
	// Methods lists the request methods the cache handles.
	// Defaults to GET.
	Methods []string `yaml:"methods"`
	// Codes lists the response status codes that may be stored.
	// Defaults to 200.
	Codes []int `yaml:"codes"`
}

// Default returns a policy that stores successful GET responses for an
// hour.
func Default() Policy {
	return Policy{DefaultTTL: Duration(time.Hour)}
}

// ServesMethod reports whether requests with the given method may be
// served from the cache.
func (p Policy) ServesMethod(method string) bool {
	for _, m := range p.methods() {
		if m == method {
			return true
		}
	}
	return false
}

// Storable reports whether the response may be stored and, if so, the
// absolute time at which the stored snapshot expires. A zero expiry
// time means the snapshot never expires.
func (p Policy) Storable(req *http.Request, res *http.Response) (bool, time.Time) {
	if req == nil || res == nil {
		return false, time.Time{}
	}
	if !p.ServesMethod(req.Method) {
		return false, time.Time{}
	}
	if !p.storesCode(res.StatusCode) {
		return false, time.Time{}
	}
	if p.RespectHeaders {
		return p.headerExpiry(req, res)
	}
	if rule := p.find(req); rule != nil {
		if rule.Forever {
			return true, time.Time{}
		}
		if rule.TTL > 0 {
			return true, time.Now().Add(time.Duration(rule.TTL))
		}
		return false, time.Time{}
	}
	if p.DefaultTTL > 0 {
		return true, time.Now().Add(time.Duration(p.DefaultTTL))
	}
	return false, time.Time{}
}

// find returns the first rule matching the request, or nil.
func (p Policy) find(req *http.Request) *Rule {
	for i, rule := range p.Rules {
		if rule.Method != "" && rule.Method != req.Method {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		log.Trace().Int("rule", i).Str("path", req.URL.Path).Msg("Matched cache rule")
		return &p.Rules[i]
	}
	return nil
}

// headerExpiry derives storability from the response's caching headers
// per RFC 9111, evaluated as a private cache.
func (p Policy) headerExpiry(req *http.Request, res *http.Response) (bool, time.Time) {
	reasons, expires, err := cacheobject.UsingRequestResponse(req, res.StatusCode, res.Header, true)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot evaluate cache headers")
		return false, time.Time{}
	}
	if len(reasons) > 0 {
		log.Trace().Str("reason", reasons[0].String()).Msg("Cache headers forbid storing")
		return false, time.Time{}
	}
	if expires.IsZero() || !expires.After(time.Now()) {
		return false, time.Time{}
	}
	return true, expires
}

func (p Policy) methods() []string {
	if len(p.Methods) == 0 {
		return []string{http.MethodGet}
	}
	return p.Methods
}

func (p Policy) storesCode(code int) bool {
	codes := p.Codes
	if len(codes) == 0 {
		codes = []int{http.StatusOK}
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
