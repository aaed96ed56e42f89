package contact

import (
	"strings"
	"sync"
)

// Rand is the randomness the composer and sweep draw from. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
	Float64() float64
}

// lockedRand makes a Rand safe for the sweep's worker group.
type lockedRand struct {
	mu sync.Mutex
	r  Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Composer renders greetings. Safe for concurrent use when rng is.
type Composer struct {
	rng Rand
}

// NewComposer uses rng for template choice and the random_chance draw.
func NewComposer(rng Rand) *Composer {
	return &Composer{rng: rng}
}

// Compose picks a template and renders it for user. The random list is
// used when it is non-empty and the random_chance draw passes.
func (c *Composer) Compose(user UserRecord, cfg Config) string {
	tpl := cfg.greeting()
	if n := len(cfg.RandomGreetings); n > 0 {
		if p := cfg.randomChance(); p >= 1 || (p > 0 && c.rng.Float64() < p) {
			tpl = cfg.RandomGreetings[c.rng.IntN(n)]
		}
	}
	return Render(tpl, user, cfg)
}

// Render substitutes every placeholder in tpl with the user's name.
func Render(tpl string, user UserRecord, cfg Config) string {
	return strings.ReplaceAll(tpl, Placeholder, nickname(user, cfg))
}

func nickname(user UserRecord, cfg Config) string {
	if name := strings.TrimSpace(user.DisplayName); name != "" {
		return name
	}
	if cfg.FallbackName != "" {
		return cfg.FallbackName
	}
	return user.ID
}
