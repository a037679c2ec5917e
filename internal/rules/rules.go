package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"taskrelay.app/relay/internal/model"
)

var (
	// ErrWebhookNotFound covers unknown ids, disabled webhooks and provider
	// mismatches alike; callers answer all three with 404.
	ErrWebhookNotFound = errors.New("webhook not found")
	ErrInvalidRules    = errors.New("invalid rules file")
)

// Source is the read path over webhook configuration.
type Source interface {
	// Webhook returns the enabled webhook addressed by (provider, id).
	Webhook(ctx context.Context, provider model.Provider, id string) (*model.WebhookConfig, error)
	// LoadEnabledRules returns the webhook's non-disabled rules in
	// declaration order.
	LoadEnabledRules(ctx context.Context, provider model.Provider, webhookID string) ([]model.Rule, error)
}

// File is the on-disk layout of the rules file.
type File struct {
	Webhooks []model.WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

// Store serves webhook configuration from memory; Reload swaps in a freshly
// parsed file.
type Store struct {
	path string

	mu       sync.RWMutex
	webhooks map[string]model.WebhookConfig
}

var _ Source = (*Store)(nil)

// Load reads and validates the rules file at path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic builds a Store from already-parsed webhooks.
func NewStatic(webhooks ...model.WebhookConfig) (*Store, error) {
	s := &Store{}
	idx, err := index(File{Webhooks: webhooks})
	if err != nil {
		return nil, err
	}
	s.webhooks = idx
	return s, nil
}

func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	idx, err := index(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.webhooks = idx
	s.mu.Unlock()

	slog.Info("rules loaded", "path", s.path, "webhooks", len(idx))
	return nil
}

// Parse decodes a rules file, expanding ${VAR} references in secrets and
// forward URLs.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	for i := range f.Webhooks {
		wh := &f.Webhooks[i]
		wh.Secret = os.ExpandEnv(wh.Secret)
		for j := range wh.Commands {
			wh.Commands[j].ForwardURL = os.ExpandEnv(wh.Commands[j].ForwardURL)
		}
	}
	return f, nil
}

func index(f File) (map[string]model.WebhookConfig, error) {
	out := make(map[string]model.WebhookConfig, len(f.Webhooks))
	for _, wh := range f.Webhooks {
		if err := validate(wh); err != nil {
			return nil, err
		}
		if _, dup := out[wh.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate webhook id %q", ErrInvalidRules, wh.ID)
		}
		cmds := make([]model.Rule, len(wh.Commands))
		for i, r := range wh.Commands {
			r.Index = i
			r.Conditions = append([]model.Condition(nil), r.Conditions...)
			cmds[i] = r
		}
		wh.Commands = cmds
		out[wh.ID] = wh
	}
	return out, nil
}

func validate(wh model.WebhookConfig) error {
	if wh.ID == "" {
		return fmt.Errorf("%w: webhook without id", ErrInvalidRules)
	}
	if _, ok := model.ParseProvider(string(wh.Provider)); !ok {
		return fmt.Errorf("%w: webhook %q: unknown provider %q", ErrInvalidRules, wh.ID, wh.Provider)
	}
	for i, r := range wh.Commands {
		where := fmt.Sprintf("webhook %q command %d (%s)", wh.ID, i, r.Name)
		if r.Trigger == "" {
			return fmt.Errorf("%w: %s: trigger is required", ErrInvalidRules, where)
		}
		if !r.Action.Valid() {
			return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidRules, where, r.Action)
		}
		if r.TaskPriority != "" {
			if _, err := model.ParsePriority(string(r.TaskPriority)); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidRules, where, err)
			}
		}
		for _, c := range r.Conditions {
			if c.Field == "" {
				return fmt.Errorf("%w: %s: condition without field", ErrInvalidRules, where)
			}
			switch c.Op {
			case "", model.ComparatorContains, model.ComparatorEquals, model.ComparatorPrefix, model.ComparatorExists:
			default:
				return fmt.Errorf("%w: %s: unknown comparator %q", ErrInvalidRules, where, c.Op)
			}
		}
	}
	return nil
}

func (s *Store) Webhook(_ context.Context, provider model.Provider, id string) (*model.WebhookConfig, error) {
	s.mu.RLock()
	wh, ok := s.webhooks[id]
	s.mu.RUnlock()
	if !ok || !wh.Enabled || wh.Provider != provider {
		return nil, ErrWebhookNotFound
	}
	return &wh, nil
}

func (s *Store) LoadEnabledRules(ctx context.Context, provider model.Provider, webhookID string) ([]model.Rule, error) {
	wh, err := s.Webhook(ctx, provider, webhookID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Rule, 0, len(wh.Commands))
	for _, r := range wh.Commands {
		if r.Disabled {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Schema describes the rules file for editors and validation tooling.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&File{})
}
