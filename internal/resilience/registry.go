package resilience

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/auditrt/internal/errclass"
)

// Call classes. A dependency name "tool:semgrep" belongs to ClassTool;
// names without a known class prefix use ClassAPI.
const (
	ClassModel = "model"
	ClassTool  = "tool"
	ClassAPI   = "api"
)

// BreakerConfig configures one breaker class.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// LimiterConfig configures one limiter class.
type LimiterConfig struct {
	Rate     float64
	Capacity float64
}

// RegistryConfig holds the per-class settings used to build primitives lazily.
type RegistryConfig struct {
	Breakers map[string]BreakerConfig
	Limiters map[string]LimiterConfig
	Retries  map[string]RetryConfig
}

// DefaultRegistryConfig returns the default classes: model calls 5 failures
// and 30s recovery at 5 tokens/s (cap 50), tool calls 3 failures and 60s
// recovery at 20 tokens/s (cap 200), generic API calls 10 tokens/s (cap 100).
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Breakers: map[string]BreakerConfig{
			ClassModel: {FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
			ClassTool:  {FailureThreshold: 3, RecoveryTimeout: 60 * time.Second},
			ClassAPI:   {FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
		},
		Limiters: map[string]LimiterConfig{
			ClassModel: {Rate: 5, Capacity: 50},
			ClassTool:  {Rate: 20, Capacity: 200},
			ClassAPI:   {Rate: 10, Capacity: 100},
		},
		Retries: map[string]RetryConfig{
			ClassModel: ModelRetry,
			ClassTool:  ToolRetry,
			ClassAPI:   ModelRetry,
		},
	}
}

// Registry owns the named breakers, limiters and retry policies of one runtime.
type Registry struct {
	cfg        RegistryConfig
	classifier *errclass.Classifier
	logger     *slog.Logger
	onChange   func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
	limiters map[string]*Limiter
	retries  map[string]*RetryPolicy
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithBreakerStateChange is attached to every breaker the registry creates.
func WithBreakerStateChange(fn func(name string, from, to State)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithRegistryLogger sets the logger handed to retry policies.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry. Missing classes in cfg fall back to
// DefaultRegistryConfig.
func NewRegistry(cfg RegistryConfig, classifier *errclass.Classifier, opts ...RegistryOption) *Registry {
	def := DefaultRegistryConfig()
	cfg.Breakers = mergeDefaults(cfg.Breakers, def.Breakers)
	cfg.Limiters = mergeDefaults(cfg.Limiters, def.Limiters)
	cfg.Retries = mergeDefaults(cfg.Retries, def.Retries)
	if classifier == nil {
		classifier = errclass.New()
	}
	r := &Registry{
		cfg:        cfg,
		classifier: classifier,
		logger:     slog.Default(),
		breakers:   make(map[string]*Breaker),
		limiters:   make(map[string]*Limiter),
		retries:    make(map[string]*RetryPolicy),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func mergeDefaults[V any](m, def map[string]V) map[string]V {
	out := make(map[string]V, len(def))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ClassOf returns the call class of a dependency name.
func ClassOf(name string) string {
	class, _, _ := strings.Cut(name, ":")
	switch class {
	case ClassModel, ClassTool, ClassAPI:
		return class
	default:
		return ClassAPI
	}
}

// Breaker returns the breaker for name, creating it from its class config.
func (r *Registry) Breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	c := r.cfg.Breakers[ClassOf(name)]
	var opts []BreakerOption
	if r.onChange != nil {
		opts = append(opts, WithStateChange(r.onChange))
	}
	b := NewBreaker(name, c.FailureThreshold, c.RecoveryTimeout, opts...)
	r.breakers[name] = b
	return b
}

// Limiter returns the shared limiter for the class of name.
func (r *Registry) Limiter(name string) *Limiter {
	class := ClassOf(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[class]; ok {
		return l
	}
	c := r.cfg.Limiters[class]
	l := NewLimiter(class, c.Rate, c.Capacity)
	r.limiters[class] = l
	return l
}

// Retry returns the shared retry policy for the class of name.
func (r *Registry) Retry(name string) *RetryPolicy {
	class := ClassOf(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.retries[class]; ok {
		return p
	}
	p := NewRetryPolicy(r.cfg.Retries[class], r.classifier, WithRetryLogger(r.logger.With("retry_class", class)))
	r.retries[class] = p
	return p
}

// Guard returns a Guard composing the limiter, breaker and retry policy for name.
func (r *Registry) Guard(name string) *Guard {
	return &Guard{
		Limiter: r.Limiter(name),
		Breaker: r.Breaker(name),
		Retry:   r.Retry(name),
	}
}

// RegistryStatus lists every primitive created so far.
type RegistryStatus struct {
	Breakers []BreakerStatus `json:"breakers"`
	Limiters []LimiterStatus `json:"limiters"`
}

// Status returns the state of every created breaker and limiter, sorted by name.
func (r *Registry) Status() RegistryStatus {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	var st RegistryStatus
	for _, b := range breakers {
		st.Breakers = append(st.Breakers, b.Status())
	}
	for _, l := range limiters {
		st.Limiters = append(st.Limiters, l.Status())
	}
	sort.Slice(st.Breakers, func(i, j int) bool { return st.Breakers[i].Name < st.Breakers[j].Name })
	sort.Slice(st.Limiters, func(i, j int) bool { return st.Limiters[i].Name < st.Limiters[j].Name })
	return st
}

// ResetAll closes every breaker, refills every limiter and clears retry budgets.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	retries := make([]*RetryPolicy, 0, len(r.retries))
	for _, p := range r.retries {
		retries = append(retries, p)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
	for _, l := range limiters {
		l.Reset()
	}
	for _, p := range retries {
		p.Reset("")
	}
}
