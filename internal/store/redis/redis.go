package redis

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const defaultNamespace = "evrpos:"

// Store keeps each key as a plain redis string under a namespace prefix.
type Store struct {
	client    *redis.Client
	namespace string
}

func New(addr string, password string, db int) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Store{client: client, namespace: defaultNamespace}
}

// NewFromClient wraps an existing client. An empty namespace keeps the default prefix.
func NewFromClient(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Store{client: client, namespace: namespace}
}

func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.namespace+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	return s.client.Set(ctx, s.namespace+key, value, 0).Err()
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.namespace+key).Err()
}
