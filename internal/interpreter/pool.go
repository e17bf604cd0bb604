package interpreter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

const defaultLanguage = "python"

// Ctx is spec.md §4.6's context record: a stable handle onto a running
// kernel. Named Ctx, not Context, so it doesn't collide with the
// ubiquitous context.Context parameter every method here also takes.
type Ctx struct {
	ID       string    `json:"id"`
	Language string    `json:"language"`
	Cwd      string    `json:"cwd"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"lastUsed"`
	Pooled   bool      `json:"pooled"`

	kernel Kernel
	inUse  bool
}

// defaultResult is what defaultGroup's singleflight call produces: the
// resolved context.
type defaultResult struct {
	ctx *Ctx
}

// LanguagePoolConfig bounds one language's warm pool.
type LanguagePoolConfig struct {
	Min int
	Max int
}

// languagePool tracks one language's warm contexts, mirroring the
// aetherflow agent pool's map-plus-mutex shape, narrowed to a single
// language's available/active split.
type languagePool struct {
	config    LanguagePoolConfig
	available []*Ctx
	warming   bool
}

// Pool is the InterpreterPool spec.md §4.6 names: the registry of every
// active context plus per-language warm pools, gated by a Manager's
// readiness and a circuit breaker.
type Pool struct {
	mu       sync.Mutex
	manager  Manager
	log      *logrus.Entry
	pools    map[string]*languagePool
	active   map[string]*Ctx
	defaults map[string]string // language -> default context id

	// defaultGroup collapses concurrent resolveContext calls for the same
	// language with no contextId into a single CreateContext, so the
	// default context for a language is created at most once (spec.md §5).
	defaultGroup singleflight.Group

	breaker *circuitBreaker
}

// NewPool builds an interpreter pool backed by manager, with per-language
// warm-pool bounds from configs (languages absent from configs get
// {Min: 0, Max: 4}).
func NewPool(manager Manager, configs map[string]LanguagePoolConfig, log *logrus.Entry) *Pool {
	pools := make(map[string]*languagePool, len(configs))
	for lang, cfg := range configs {
		pools[lang] = &languagePool{config: cfg}
	}
	return &Pool{
		manager:  manager,
		log:      log.WithField("component", "interpreter-pool"),
		pools:    pools,
		active:   make(map[string]*Ctx),
		defaults: make(map[string]string),
		breaker:  newCircuitBreaker(5, 60*time.Second),
	}
}

func (p *Pool) languagePool(language string) *languagePool {
	lp, ok := p.pools[language]
	if !ok {
		lp = &languagePool{config: LanguagePoolConfig{Min: 0, Max: 4}}
		p.pools[language] = lp
	}
	return lp
}

func (p *Pool) checkReady() error {
	if p.breaker.open() {
		return apierrors.New(apierrors.CircuitOpen, "interpreter circuit open", map[string]any{"retryAfter": 60})
	}
	if !p.manager.Ready() {
		return apierrors.New(apierrors.InterpreterNotReady, "interpreter pool warming up", map[string]any{
			"progress":   p.manager.Progress(),
			"retryAfter": 2,
		})
	}
	return nil
}

// CreateOptions parametrizes CreateContext.
type CreateOptions struct {
	Language string
	Cwd      string
	EnvVars  map[string]string
}

// CreateContext implements spec.md §4.6's createContext.
func (p *Pool) CreateContext(ctx context.Context, opts CreateOptions) (*Ctx, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	language := opts.Language
	if language == "" {
		language = defaultLanguage
	}

	p.mu.Lock()
	lp := p.languagePool(language)
	if len(lp.available) > 0 {
		c := lp.available[len(lp.available)-1]
		lp.available = lp.available[:len(lp.available)-1]
		c.inUse = true
		p.active[c.ID] = c
		belowMin := len(lp.available) < lp.config.Min
		p.mu.Unlock()

		if err := p.reconfigure(ctx, c, opts); err != nil {
			p.breaker.recordFailure()
			return nil, err
		}
		if belowMin && !lp.warming {
			go func() { _ = p.WarmPool(context.Background(), language, lp.config.Min-len(lp.available)) }()
		}
		p.breaker.recordSuccess()
		return c, nil
	}

	active := 0
	for _, c := range p.active {
		if c.Language == language {
			active++
		}
	}
	activePlusPooled := active + len(lp.available)
	if lp.config.Max > 0 && activePlusPooled >= lp.config.Max {
		p.mu.Unlock()
		return nil, apierrors.New(apierrors.PoolExhausted, "interpreter pool exhausted", map[string]any{"language": language})
	}
	p.mu.Unlock()

	c, err := p.startContext(ctx, language, opts, false)
	if err != nil {
		p.breaker.recordFailure()
		return nil, err
	}

	p.mu.Lock()
	p.active[c.ID] = c
	p.mu.Unlock()

	p.breaker.recordSuccess()
	return c, nil
}

func (p *Pool) startContext(ctx context.Context, language string, opts CreateOptions, pooled bool) (*Ctx, error) {
	kernel, err := p.manager.StartKernel(ctx, language)
	if err != nil {
		return nil, apierrors.New(apierrors.InterpreterNotReady, "failed to start kernel", map[string]any{"language": language, "error": err.Error()})
	}

	now := time.Now()
	c := &Ctx{
		ID:       uuid.NewString(),
		Language: language,
		Cwd:      opts.Cwd,
		Created:  now,
		LastUsed: now,
		Pooled:   pooled,
		kernel:   kernel,
		inUse:    !pooled,
	}
	if err := p.reconfigure(ctx, c, opts); err != nil {
		_ = kernel.Close()
		return nil, err
	}
	return c, nil
}

// reconfigure issues cwd/env setup on an already-started context, only
// when the requested value differs from what the context already has.
func (p *Pool) reconfigure(ctx context.Context, c *Ctx, opts CreateOptions) error {
	if opts.Cwd != "" && opts.Cwd != c.Cwd {
		if err := c.kernel.SetCwd(ctx, opts.Cwd); err != nil {
			return fmt.Errorf("reconfigure cwd: %w", err)
		}
		c.Cwd = opts.Cwd
	}
	for k, v := range opts.EnvVars {
		if err := c.kernel.SetEnv(ctx, k, v); err != nil {
			return fmt.Errorf("reconfigure env %s: %w", k, err)
		}
	}
	c.LastUsed = time.Now()
	return nil
}

// resolveContext implements executeCode's contextId-or-default lookup.
func (p *Pool) resolveContext(ctx context.Context, contextID, language string) (*Ctx, error) {
	if contextID != "" {
		p.mu.Lock()
		c, ok := p.active[contextID]
		p.mu.Unlock()
		if !ok {
			return nil, apierrors.New(apierrors.ResourceNotFound, "unknown interpreter context", map[string]any{"contextId": contextID})
		}
		return c, nil
	}

	if language == "" {
		language = defaultLanguage
	}
	p.mu.Lock()
	if id, ok := p.defaults[language]; ok {
		if c, ok := p.active[id]; ok {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	// defaultGroup.Do serializes the check-and-create decision per
	// language: if a creation for this language is already in flight,
	// latecomers block here and share its result instead of each racing
	// to start their own kernel and stomping p.defaults[language].
	v, err, _ := p.defaultGroup.Do(language, func() (any, error) {
		p.mu.Lock()
		if id, ok := p.defaults[language]; ok {
			if c, ok := p.active[id]; ok {
				p.mu.Unlock()
				return &defaultResult{ctx: c}, nil
			}
		}
		p.mu.Unlock()

		c, err := p.CreateContext(ctx, CreateOptions{Language: language})
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.defaults[language] = c.ID
		p.mu.Unlock()
		return &defaultResult{ctx: c}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*defaultResult).ctx, nil
}

// ExecuteCode implements spec.md §4.6's executeCode: resolve/lazily
// create a context, then stream execution through its kernel.
func (p *Pool) ExecuteCode(ctx context.Context, contextID, code, language string) (<-chan Event, error) {
	if err := p.checkReady(); err != nil {
		return nil, err
	}
	c, err := p.resolveContext(ctx, contextID, language)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	c.LastUsed = time.Now()
	p.mu.Unlock()

	events, err := c.kernel.Execute(ctx, code)
	if err != nil {
		p.breaker.recordFailure()
		return nil, apierrors.Wrap(err)
	}
	p.breaker.recordSuccess()
	return events, nil
}

// WarmPool implements spec.md §4.6's warmPool: create n contexts in
// parallel via errgroup and append the survivors to available. It is a
// no-op if warming is already in flight for language.
func (p *Pool) WarmPool(ctx context.Context, language string, n int) error {
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	lp := p.languagePool(language)
	if lp.warming {
		p.mu.Unlock()
		return nil
	}
	lp.warming = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		lp.warming = false
		p.mu.Unlock()
	}()

	results := make([]*Ctx, n)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			c, err := p.startContext(gctx, language, CreateOptions{}, true)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		p.log.WithError(err).WithField("language", language).Warn("pool warm-up partially failed")
	}

	p.mu.Lock()
	for _, c := range results {
		if c != nil {
			lp.available = append(lp.available, c)
		}
	}
	p.mu.Unlock()
	return nil
}

// DeleteContext implements spec.md §4.6's deleteContext.
func (p *Pool) DeleteContext(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.active[id]
	if !ok {
		return apierrors.New(apierrors.ResourceNotFound, "unknown interpreter context", map[string]any{"contextId": id})
	}
	delete(p.active, id)

	for lang, defaultID := range p.defaults {
		if defaultID == id {
			delete(p.defaults, lang)
		}
	}

	if c.Pooled {
		c.inUse = false
		lp := p.languagePool(c.Language)
		lp.available = append(lp.available, c)
		return nil
	}

	return c.kernel.Close()
}

// ListContexts returns a snapshot of every active context.
func (p *Pool) ListContexts() []Ctx {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Ctx, 0, len(p.active))
	for _, c := range p.active {
		out = append(out, *c)
	}
	return out
}
