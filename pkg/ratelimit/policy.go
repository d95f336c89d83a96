package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// KeyBy selects which caller attribute a policy counts against.
type KeyBy string

const (
	KeyByIP     KeyBy = "ip"
	KeyByUser   KeyBy = "user"
	KeyByTenant KeyBy = "tenant"
)

// Valid reports whether k is a known key source.
func (k KeyBy) Valid() bool {
	switch k {
	case KeyByIP, KeyByUser, KeyByTenant:
		return true
	}
	return false
}

func (k *KeyBy) UnmarshalText(text []byte) error {
	v := KeyBy(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("unknown key_by %q (must be ip, user or tenant)", text)
	}
	*k = v
	return nil
}

// MaxWindow bounds policy windows. The sweep discards anything older.
const MaxWindow = 24 * time.Hour

// Policy is a named sliding-window limit.
type Policy struct {
	Name        string        `yaml:"name" json:"name"`
	Window      time.Duration `yaml:"window" json:"window"`
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	KeyBy       KeyBy         `yaml:"key_by" json:"key_by"`
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("policy name is required")
	case strings.Contains(p.Name, ":"):
		return fmt.Errorf("policy %s: name must not contain ':'", p.Name)
	case p.Window <= 0:
		return fmt.Errorf("policy %s: window must be positive", p.Name)
	case p.Window > MaxWindow:
		return fmt.Errorf("policy %s: window must not exceed %s", p.Name, MaxWindow)
	case p.MaxRequests < 1:
		return fmt.Errorf("policy %s: max_requests must be at least 1", p.Name)
	case !p.KeyBy.Valid():
		return fmt.Errorf("policy %s: unknown key_by %q", p.Name, p.KeyBy)
	}
	return nil
}

// Built-in policy names.
const (
	PolicyAPI       = "api"
	PolicyAuth      = "auth"
	PolicySearch    = "search"
	PolicyPublic    = "public"
	PolicyAnalytics = "analytics"
)

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: PolicyAPI, Window: time.Minute, MaxRequests: 100, KeyBy: KeyByIP},
		{Name: PolicyAuth, Window: 15 * time.Minute, MaxRequests: 5, KeyBy: KeyByIP},
		{Name: PolicySearch, Window: time.Minute, MaxRequests: 30, KeyBy: KeyByUser},
		{Name: PolicyPublic, Window: time.Minute, MaxRequests: 60, KeyBy: KeyByIP},
		{Name: PolicyAnalytics, Window: time.Minute, MaxRequests: 1000, KeyBy: KeyByTenant},
	}
}
