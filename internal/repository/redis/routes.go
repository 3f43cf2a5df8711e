package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository"
)

const (
	defaultPrefix   = "edge:"
	auditCap        = 1000
	txRetries       = 5
	subscribeBuffer = 64
)

// RouteStore keeps the routing table in a Redis hash and broadcasts cache
// invalidations over pub/sub.
type RouteStore struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

var _ repository.RouteRepository = (*RouteStore)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RouteStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, logger *slog.Logger) *RouteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteStore{client: client, logger: logger.With("component", "route_store"), prefix: defaultPrefix}
}

func (s *RouteStore) routesKey() string { return s.prefix + "routes" }
func (s *RouteStore) auditKey() string  { return s.prefix + "audit" }
func (s *RouteStore) channel(topic string) string {
	return s.prefix + topic
}

// GetRoute reads a single domain.
func (s *RouteStore) GetRoute(ctx context.Context, name string) (*domain.Route, error) {
	raw, err := s.client.HGet(ctx, s.routesKey(), name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("read route %s: %w", name, err)
	}
	var route domain.Route
	if err := json.Unmarshal(raw, &route); err != nil {
		return nil, fmt.Errorf("decode route %s: %w", name, err)
	}
	return &route, nil
}

// PutRoute writes route inside a WATCH transaction so the ownership check and
// the write observe the same hash state.
func (s *RouteStore) PutRoute(ctx context.Context, route domain.Route) error {
	payload, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route %s: %w", route.Domain, err)
	}
	key := s.routesKey()
	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, route.Domain).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing domain.Route
			if err := json.Unmarshal(raw, &existing); err == nil && !existing.OwnedBy(route.Owner()) {
				return fmt.Errorf("%w: %s held by %s/%s", domain.ErrConflict, route.Domain, existing.CustomerID, existing.DeploymentName)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, route.Domain, payload)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < txRetries; attempt++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("store route %s: %w", route.Domain, err)
}

// DeleteRoute removes a domain.
func (s *RouteStore) DeleteRoute(ctx context.Context, name string) error {
	if err := s.client.HDel(ctx, s.routesKey(), name).Err(); err != nil {
		return fmt.Errorf("delete route %s: %w", name, err)
	}
	return nil
}

// ListRoutes returns every route ordered by domain. Undecodable entries are
// logged and skipped.
func (s *RouteStore) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	all, err := s.client.HGetAll(ctx, s.routesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	routes := make([]domain.Route, 0, len(all))
	for name, raw := range all {
		var route domain.Route
		if err := json.Unmarshal([]byte(raw), &route); err != nil {
			s.logger.Warn("skipping undecodable route", "domain", name, "error", err)
			continue
		}
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Domain < routes[j].Domain })
	return routes, nil
}

// ListDomains returns stored domain keys in order.
func (s *RouteStore) ListDomains(ctx context.Context) ([]string, error) {
	domains, err := s.client.HKeys(ctx, s.routesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	sort.Strings(domains)
	return domains, nil
}

// Publish broadcasts an invalidation to every edge instance.
func (s *RouteStore) Publish(ctx context.Context, msg repository.Invalidation) error {
	return s.client.Publish(ctx, s.channel(msg.Topic), msg.Domain).Err()
}

// Subscribe listens on both invalidation channels until ctx is cancelled.
func (s *RouteStore) Subscribe(ctx context.Context) (<-chan repository.Invalidation, error) {
	changed := s.channel(repository.TopicRouteChanged)
	removed := s.channel(repository.TopicRouteRemoved)
	pubsub := s.client.Subscribe(ctx, changed, removed)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe invalidations: %w", err)
	}
	out := make(chan repository.Invalidation, subscribeBuffer)
	messages := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				topic := repository.TopicRouteChanged
				if msg.Channel == removed {
					topic = repository.TopicRouteRemoved
				}
				select {
				case out <- repository.Invalidation{Topic: topic, Domain: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AppendAudit pushes an event onto a capped list.
func (s *RouteStore) AppendAudit(ctx context.Context, event repository.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.auditKey(), payload)
		pipe.LTrim(ctx, s.auditKey(), 0, auditCap-1)
		return nil
	})
	return err
}

// Ping checks connectivity.
func (s *RouteStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RouteStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for components that share it.
func (s *RouteStore) Client() *redis.Client {
	return s.client
}
