package registry

import (
	"context"
	"fmt"
	"io/fs"
	"reflect"
	"sync"

	"github.com/zjrosen/batchflow/internal/log"
	domain "github.com/zjrosen/batchflow/internal/registry/domain"
)

// TemplateStore persists custom template definitions.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, def domain.TemplateDef) error
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]domain.TemplateDef, error)
}

// ListQuery filters List results. Zero-value fields match everything.
type ListQuery struct {
	Category string
	Owner    string
	Source   domain.Source
	Label    string
}

func (q ListQuery) matches(t *domain.Template) bool {
	if q.Category != "" && t.Category() != q.Category {
		return false
	}
	if q.Owner != "" && t.Owner() != q.Owner {
		return false
	}
	if q.Source != "" && t.Source() != q.Source {
		return false
	}
	if q.Label != "" && !t.HasLabel(q.Label) {
		return false
	}
	return true
}

// RegistryService is the lock-guarded template store handed to the engine
// and scheduler. All methods are safe for concurrent use.
type RegistryService struct {
	mu        sync.RWMutex
	templates map[string]*domain.Template
	order     []string // registration order of ids
	catalog   *domain.Catalog
	store     TemplateStore
}

// Option configures a RegistryService.
type Option func(*RegistryService)

// WithCatalog validates every registered template's step parameters
// against c.
func WithCatalog(c *domain.Catalog) Option {
	return func(s *RegistryService) { s.catalog = c }
}

// WithTemplateStore persists custom templates to store.
func WithTemplateStore(store TemplateStore) Option {
	return func(s *RegistryService) { s.store = store }
}

// NewRegistryService creates an empty registry.
func NewRegistryService(opts ...Option) *RegistryService {
	s := &RegistryService{
		templates: make(map[string]*domain.Template),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the operation catalog, nil when parameters are not
// checked.
func (s *RegistryService) Catalog() *domain.Catalog {
	return s.catalog
}

// Register adds a built template. Fails with ErrDuplicateTemplateID when
// the id exists. Custom templates are persisted before they become
// visible; a store failure leaves the registry unchanged.
func (s *RegistryService) Register(ctx context.Context, t *domain.Template) error {
	if t == nil {
		return domain.ErrNilTemplate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(ctx, t, true)
}

func (s *RegistryService) registerLocked(ctx context.Context, t *domain.Template, persist bool) error {
	id := t.ID()
	if _, exists := s.templates[id]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTemplateID, id)
	}

	if persist && s.store != nil && t.Source() == domain.SourceCustom {
		if err := s.store.SaveTemplate(ctx, t.Def()); err != nil {
			return fmt.Errorf("persist template %s: %w", id, err)
		}
	}

	s.templates[id] = t
	s.order = append(s.order, id)
	log.Debug(log.CatRegistry, "Registered template", "id", id, "source", t.Source(), "steps", t.Graph().Len())
	return nil
}

// RegisterCustom builds def under owner's namespace and registers it.
// A zero version becomes 1.
func (s *RegistryService) RegisterCustom(ctx context.Context, owner string, def domain.TemplateDef) (*domain.Template, error) {
	def = def.Clone()
	def.Owner = owner
	if def.Version == 0 {
		def.Version = 1
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: custom templates need an owner", domain.ErrInvalidTemplate)
	}

	t, err := domain.FromDef(def, s.catalog)
	if err != nil {
		return nil, err
	}
	if err := s.Register(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Revise mints the next version of a custom template with edit applied to
// a copy of its definition. The original stays registered and unchanged.
func (s *RegistryService) Revise(ctx context.Context, id string, edit func(*domain.TemplateDef)) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	if base.Source() == domain.SourceBuiltin {
		return nil, fmt.Errorf("%w: %s", domain.ErrBuiltinImmutable, id)
	}

	def := base.Def().Clone()
	if edit != nil {
		edit(&def)
	}
	def.Owner = base.Owner()
	def.Key = base.Key()
	def.Version = s.latestVersionLocked(base.Owner(), base.Key()) + 1

	t, err := domain.FromDef(def, s.catalog)
	if err != nil {
		return nil, err
	}
	if err := s.registerLocked(ctx, t, true); err != nil {
		return nil, err
	}
	log.Info(log.CatRegistry, "Revised template", "from", id, "to", t.ID())
	return t, nil
}

// Get returns the template with id or ErrTemplateNotFound.
func (s *RegistryService) Get(id string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	return t, nil
}

// Latest returns the highest registered version of owner/key.
func (s *RegistryService) Latest(owner, key string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.latestVersionLocked(owner, key)
	if v == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, domain.TemplateID(owner, key, 1))
	}
	return s.templates[domain.TemplateID(owner, key, v)], nil
}

func (s *RegistryService) latestVersionLocked(owner, key string) int {
	latest := 0
	for _, t := range s.templates {
		if t.Owner() == owner && t.Key() == key && t.Version() > latest {
			latest = t.Version()
		}
	}
	return latest
}

// List returns the templates matching q in registration order.
func (s *RegistryService) List(q ListQuery) []*domain.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Template, 0, len(s.order))
	for _, id := range s.order {
		if t := s.templates[id]; q.matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// Count returns the number of registered templates.
func (s *RegistryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}

// Unregister removes a custom template. Built-ins are never removed.
func (s *RegistryService) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	if t.Source() == domain.SourceBuiltin {
		return fmt.Errorf("%w: %s", domain.ErrBuiltinImmutable, id)
	}
	if s.store != nil {
		if err := s.store.DeleteTemplate(ctx, id); err != nil {
			return fmt.Errorf("delete template %s: %w", id, err)
		}
	}

	delete(s.templates, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// LoadBuiltins registers every template under BuiltinRoot in fsys. Any
// invalid built-in fails the whole load.
func (s *RegistryService) LoadBuiltins(ctx context.Context, fsys fs.FS) (int, error) {
	templates, err := LoadBuiltinTemplates(fsys, s.catalog)
	if err != nil {
		return 0, fmt.Errorf("load built-in templates: %w", err)
	}
	for _, t := range templates {
		if err := s.Register(ctx, t); err != nil {
			return 0, err
		}
	}
	log.Info(log.CatRegistry, "Loaded built-in templates", "count", len(templates))
	return len(templates), nil
}

// LoadFromStore registers the persisted custom templates. Definitions that
// no longer validate are logged and skipped.
func (s *RegistryService) LoadFromStore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	defs, err := s.store.ListTemplates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored templates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, def := range defs {
		t, err := domain.FromDef(def, s.catalog)
		if err != nil {
			log.Warn(log.CatRegistry, "Skipping stored template", "id", def.ID(), "error", err)
			continue
		}
		if err := s.registerLocked(ctx, t, false); err != nil {
			log.Warn(log.CatRegistry, "Skipping stored template", "id", def.ID(), "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// SyncDef registers def under owner if its key is new, or mints a new
// version if it differs from the latest registered one. An unchanged
// definition is a no-op and returns the existing template.
func (s *RegistryService) SyncDef(ctx context.Context, owner string, def domain.TemplateDef) (*domain.Template, bool, error) {
	if owner == "" {
		return nil, false, fmt.Errorf("%w: custom templates need an owner", domain.ErrInvalidTemplate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def = def.Clone()
	def.Owner = owner
	latest := s.latestVersionLocked(owner, def.Key)

	if latest > 0 {
		current := s.templates[domain.TemplateID(owner, def.Key, latest)]
		def.Version = latest
		candidate, err := domain.FromDef(def, s.catalog)
		if err != nil {
			return nil, false, err
		}
		if reflect.DeepEqual(candidate.Def(), current.Def()) {
			return current, false, nil
		}
	}

	def.Version = latest + 1
	t, err := domain.FromDef(def, s.catalog)
	if err != nil {
		return nil, false, err
	}
	if err := s.registerLocked(ctx, t, true); err != nil {
		return nil, false, err
	}
	return t, true, nil
}
