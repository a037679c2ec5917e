package mapper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

var (
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Normalizer turns one provider's native payload into an event.Event.
type Normalizer interface {
	Provider() model.Provider
	Normalize(ctx context.Context, headers http.Header, payload event.Value) (*event.Event, error)
}

// Registry dispatches to the normalizer registered for a provider.
type Registry struct {
	normalizers map[model.Provider]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[model.Provider]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Provider()] = n
	}
	return r
}

// DefaultRegistry knows every supported provider.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewGitHubNormalizer(),
		NewGitLabNormalizer(),
		NewJiraNormalizer(),
		NewSlackNormalizer(),
		NewSentryNormalizer(),
	)
}

// Normalize parses raw and hands it to the provider's normalizer. Any
// payload that is not a JSON object is malformed.
func (r *Registry) Normalize(ctx context.Context, provider model.Provider, headers http.Header, raw []byte) (*event.Event, error) {
	n, ok := r.normalizers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	payload, err := event.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if payload.Kind() != event.KindMap {
		return nil, fmt.Errorf("%w: expected a JSON object, got %s", ErrMalformedPayload, payload.Kind())
	}

	ev, err := n.Normalize(ctx, headers, payload)
	if err != nil {
		return nil, err
	}
	ev.Provider = provider
	ev.Fields = payload
	return ev, nil
}

// joinType builds "<resource>.<action>", dropping an empty action.
func joinType(resource, action string) string {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if action == "" {
		return resource
	}
	return resource + "." + action
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// idAt renders an id field (number or string) as text.
func idAt(v event.Value, path string) string {
	child, ok := v.Lookup(path)
	if !ok {
		return ""
	}
	if n, ok := child.Int(); ok && child.Kind() == event.KindNumber {
		return fmt.Sprintf("%d", n)
	}
	s, _ := child.Str()
	return s
}

func intAt(v event.Value, path string) (int64, bool) {
	child, ok := v.Lookup(path)
	if !ok {
		return 0, false
	}
	return child.Int()
}

// firstText returns the first non-empty best-effort string among paths.
func firstText(v event.Value, paths ...string) string {
	for _, p := range paths {
		if s := v.TextAt(p, ""); s != "" {
			return s
		}
	}
	return ""
}
