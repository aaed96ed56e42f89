package contact

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Placeholder is replaced by the recipient's display name.
const Placeholder = "{nickname}"

const (
	DefaultGreeting        = "嗨 {nickname}，最近怎么样呀？"
	DefaultCooldownSeconds = 300
	DefaultListLimit       = 20
)

// AccessPolicy gates the manual command.
type AccessPolicy struct {
	RequireAdmin bool     `json:"require_admin"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
}

// SweepConfig shapes the automatic sweep. Schedule and Timeout are read by
// the host that triggers it; the engine only uses the rest.
type SweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`

	// TriggerProbability is the per-candidate chance of being attempted.
	// nil means 1.
	TriggerProbability *float64 `json:"trigger_probability,omitempty"`
	// MaxPerCycle caps successful sends per sweep. 0 means no cap.
	MaxPerCycle int `json:"max_per_cycle,omitempty"`
	// Concurrency bounds parallel attempts. <=1 is sequential.
	Concurrency int `json:"concurrency,omitempty"`
}

type CommandConfig struct {
	// ManualBypass skips the known-user and cooldown checks for /contact.
	// nil means true. DISABLED is never bypassed.
	ManualBypass *bool `json:"manual_bypass,omitempty"`
}

type ListingConfig struct {
	Limit int `json:"limit,omitempty"`
}

type Config struct {
	Enabled         bool `json:"enabled"`
	CooldownSeconds int  `json:"cooldown_seconds"`
	OnlyKnownUsers  bool `json:"only_known_users"`

	DefaultGreeting string   `json:"default_greeting,omitempty"`
	RandomGreetings []string `json:"random_greetings,omitempty"`
	// RandomChance is the chance of drawing from RandomGreetings instead
	// of the default. nil means 1.
	RandomChance *float64 `json:"random_chance,omitempty"`
	// FallbackName stands in for an empty display name. Empty means the
	// user id is used.
	FallbackName string `json:"fallback_name,omitempty"`

	AccessPolicy

	SmartChat SweepConfig   `json:"smart_chat"`
	Command   CommandConfig `json:"command"`
	Listing   ListingConfig `json:"listing"`
}

// DefaultConfig mirrors an empty plugin config block.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		CooldownSeconds: DefaultCooldownSeconds,
		OnlyKnownUsers:  true,
		DefaultGreeting: DefaultGreeting,
	}
}

func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c Config) greeting() string {
	if strings.TrimSpace(c.DefaultGreeting) == "" {
		return DefaultGreeting
	}
	return c.DefaultGreeting
}

func (c Config) randomChance() float64 {
	if c.RandomChance == nil {
		return 1
	}
	return *c.RandomChance
}

func (c Config) triggerProbability() float64 {
	if c.SmartChat.TriggerProbability == nil {
		return 1
	}
	return *c.SmartChat.TriggerProbability
}

func (c Config) manualBypass() bool {
	return c.Command.ManualBypass == nil || *c.Command.ManualBypass
}

func (c Config) listLimit() int {
	if c.Listing.Limit <= 0 {
		return DefaultListLimit
	}
	return c.Listing.Limit
}

func (c Config) concurrency() int {
	return max(c.SmartChat.Concurrency, 1)
}

// Validate reports every problem at once, each wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.CooldownSeconds < 0 {
		bad("cooldown_seconds must be >= 0, got %d", c.CooldownSeconds)
	}
	for i, u := range c.AllowedUsers {
		if strings.TrimSpace(u) == "" {
			bad("allowed_users[%d] is empty", i)
		}
	}
	if c.DefaultGreeting != "" {
		if n := strings.Count(c.DefaultGreeting, Placeholder); n != 1 {
			bad("default_greeting must contain %s exactly once, found %d", Placeholder, n)
		}
	}
	for i, g := range c.RandomGreetings {
		if n := strings.Count(g, Placeholder); n != 1 {
			bad("random_greetings[%d] must contain %s exactly once, found %d", i, Placeholder, n)
		}
	}
	// A present but empty list can never satisfy a positive chance.
	if c.RandomGreetings != nil && len(c.RandomGreetings) == 0 && c.randomChance() > 0 {
		bad("random_greetings is empty but random_chance is %.2f", c.randomChance())
	}
	checkProb := func(name string, p *float64) {
		if p != nil && (*p < 0 || *p > 1) {
			bad("%s must be within [0,1], got %v", name, *p)
		}
	}
	checkProb("random_chance", c.RandomChance)
	checkProb("smart_chat.trigger_probability", c.SmartChat.TriggerProbability)
	if c.SmartChat.MaxPerCycle < 0 {
		bad("smart_chat.max_per_cycle must be >= 0")
	}
	if c.SmartChat.Concurrency < 0 {
		bad("smart_chat.concurrency must be >= 0")
	}
	if c.Listing.Limit < 0 {
		bad("listing.limit must be >= 0")
	}
	return errors.Join(errs...)
}
