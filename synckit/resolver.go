package synckit

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

// Strategy tags a conflict resolution decision.
type Strategy string

const (
	StrategyServerWins Strategy = "server_wins"
	StrategyClientWins Strategy = "client_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Resolution is the decision a resolver returns. Data is the merged payload
// for merge and, optionally, the payload to confirm for server_wins (the
// conflict's server data is used when it is nil).
type Resolution struct {
	Strategy Strategy       `json:"strategy"`
	Data     cache.Document `json:"data,omitempty"`
}

// ConflictResolver is the Strategy interface for conflict resolution.
type ConflictResolver interface {
	Resolve(ctx context.Context, op *PendingOperation, conflict *syncErrors.ConflictError) (Resolution, error)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, op *PendingOperation, conflict *syncErrors.ConflictError) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, op *PendingOperation, conflict *syncErrors.ConflictError) (Resolution, error) {
	return f(ctx, op, conflict)
}

// Matcher is a predicate used to bind operations to rules. Combinators build
// complex match logic from small pieces.
type Matcher func(op *PendingOperation) bool

// KeyIs matches a single key.
func KeyIs(key string) Matcher {
	return func(op *PendingOperation) bool { return op.Key == key }
}

// KeyPrefix matches keys starting with prefix, e.g. "cart_".
func KeyPrefix(prefix string) Matcher {
	return func(op *PendingOperation) bool { return strings.HasPrefix(op.Key, prefix) }
}

// KeyGlob matches keys against a path.Match pattern such as "product_*".
// Malformed patterns never match.
func KeyGlob(pattern string) Matcher {
	return func(op *PendingOperation) bool {
		ok, err := path.Match(pattern, op.Key)
		return err == nil && ok
	}
}

// MetadataEq matches when the operation's metadata holds value under key.
func MetadataEq(key string, value any) Matcher {
	return func(op *PendingOperation) bool {
		v, ok := op.Options.Metadata[key]
		return ok && reflect.DeepEqual(v, value)
	}
}

// And returns a matcher that requires both matchers to match.
func And(a, b Matcher) Matcher {
	return func(op *PendingOperation) bool { return a != nil && b != nil && a(op) && b(op) }
}

// Or returns a matcher that requires at least one matcher to match.
func Or(a, b Matcher) Matcher {
	return func(op *PendingOperation) bool { return (a != nil && a(op)) || (b != nil && b(op)) }
}

// Not negates a matcher.
func Not(a Matcher) Matcher {
	return func(op *PendingOperation) bool { return a == nil || !a(op) }
}

// Rule binds a Matcher to a ConflictResolver.
type Rule struct {
	Name     string
	Matcher  Matcher
	Resolver ConflictResolver
}

// Registry selects the resolver for an operation: an exact key registration
// wins, then the first matching rule in insertion order, then the fallback.
type Registry struct {
	mu       sync.RWMutex
	byKey    map[string]ConflictResolver
	rules    []Rule
	fallback ConflictResolver
}

// NewRegistry creates a registry. A nil fallback selects ServerWins.
func NewRegistry(fallback ConflictResolver) *Registry {
	if fallback == nil {
		fallback = ServerWins
	}
	return &Registry{
		byKey:    make(map[string]ConflictResolver),
		fallback: fallback,
	}
}

// Register associates r with key, replacing any previous registration.
func (r *Registry) Register(key string, resolver ConflictResolver) error {
	if key == "" {
		return errors.New("resolver key must not be empty")
	}
	if resolver == nil {
		return fmt.Errorf("nil resolver for key %q", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = resolver
	return nil
}

// Unregister removes the resolver for key. It reports whether one existed.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[key]
	delete(r.byKey, key)
	return ok
}

// AddRule appends a rule. Rule names must be unique.
func (r *Registry) AddRule(rule Rule) error {
	if rule.Matcher == nil {
		return fmt.Errorf("rule %q has nil matcher", rule.Name)
	}
	if rule.Resolver == nil {
		return fmt.Errorf("rule %q has nil resolver", rule.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("rule %q already registered", rule.Name)
		}
	}
	r.rules = append(r.rules, rule)
	return nil
}

// RemoveRule removes the named rule. It reports whether it existed.
func (r *Registry) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetFallback replaces the resolver used when nothing else matches.
func (r *Registry) SetFallback(resolver ConflictResolver) {
	if resolver == nil {
		resolver = ServerWins
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = resolver
}

// Lookup returns the resolver for op and a label naming where it came from:
// "key", "rule:<name>" or "fallback".
func (r *Registry) Lookup(op *PendingOperation) (ConflictResolver, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.byKey[op.Key]; ok {
		return res, "key"
	}
	for _, rule := range r.rules {
		if rule.Matcher(op) {
			return rule.Resolver, "rule:" + rule.Name
		}
	}
	return r.fallback, "fallback"
}
