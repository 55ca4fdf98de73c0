// Package connector holds the channel connectors: one implementation
// per feed family, behind a common Fetch interface, plus the registry
// the scheduler resolves connectors from.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wohlfahrt-digital/newswatch/internal/core/domain"
)

// Connector errors. Fetch implementations wrap ErrUnreachable for
// network-level failures so the scheduler can tell them from parse bugs.
var (
	ErrConfigInvalid = errors.New("connector config invalid")
	ErrUnreachable   = errors.New("source unreachable")
	ErrUnknownType   = errors.New("unknown connector type")
)

// Connector fetches raw items for one channel.
type Connector interface {
	// Type is the connector's registry key.
	Type() domain.ConnectorType
	// Validate checks a channel config before it is saved.
	Validate(cfg map[string]any) error
	// Fetch returns the channel's current items, newest first or not;
	// ordering is not part of the contract.
	Fetch(ctx context.Context, ch *domain.Channel) ([]domain.RawItem, error)
}

// Registry maps connector types to implementations.
type Registry struct {
	mu         sync.RWMutex
	connectors map[domain.ConnectorType]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[domain.ConnectorType]Connector)}
}

// DefaultRegistry builds the registry with every built-in connector.
func DefaultRegistry(logger *zerolog.Logger) *Registry {
	r := NewRegistry()
	f := newFetcher(logger)

	r.Register(newRSSConnector(f, false))
	r.Register(newRSSConnector(f, true))
	r.Register(newHTMLConnector(f))
	r.Register(newDocPageConnector(f))
	r.Register(newMastodonConnector(f))
	r.Register(newBlueskyConnector(f))
	r.Register(newTelegramConnector(f))
	r.Register(newLinkedInConnector(f))
	r.Register(newInstagramConnector(f))

	return r
}

// Register adds a connector. Re-registering a type replaces the previous
// implementation, so repeated registration is idempotent.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
}

// Get resolves a connector by type.
func (r *Registry) Get(t domain.ConnectorType) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	return c, nil
}

// Types lists the registered connector types, sorted.
func (r *Registry) Types() []domain.ConnectorType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.ConnectorType, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// DeriveSourceIdentifier computes the canonical identity of a channel
// from its config: host+path for URL-based connectors, the bare handle
// for account-based ones. Two configs with the same identifier describe
// the same channel.
func DeriveSourceIdentifier(t domain.ConnectorType, cfg map[string]any) (string, error) {
	switch t {
	case domain.ConnectorRSS, domain.ConnectorRSSAuth, domain.ConnectorHTML, domain.ConnectorDocPage:
		raw := configString(cfg, "url")
		if raw == "" {
			return "", fmt.Errorf("%w: url required", ErrConfigInvalid)
		}

		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: bad url %q", ErrConfigInvalid, raw)
		}

		return strings.ToLower(u.Host) + strings.TrimSuffix(u.Path, "/"), nil

	case domain.ConnectorMastodon:
		server := configString(cfg, "server")
		account := strings.TrimPrefix(configString(cfg, "account"), "@")

		if server == "" || account == "" {
			return "", fmt.Errorf("%w: server and account required", ErrConfigInvalid)
		}

		return strings.ToLower(account + "@" + stripScheme(server)), nil

	case domain.ConnectorBluesky, domain.ConnectorTelegram, domain.ConnectorLinkedIn, domain.ConnectorInstagram:
		handle := strings.TrimPrefix(configString(cfg, "handle"), "@")
		if handle == "" {
			return "", fmt.Errorf("%w: handle required", ErrConfigInvalid)
		}

		return strings.ToLower(handle), nil

	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}

	v, _ := cfg[key].(string)

	return strings.TrimSpace(v)
}

func stripScheme(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")

	return strings.TrimSuffix(s, "/")
}
