// Package sharelink stores public share-link tokens in Redis. A share link
// grants anonymous view (or comment) access to a deck until its TTL lapses
// or an owner revokes it; Redis key expiry is the source of truth for link
// lifetime.
package sharelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// Link is the data stored for each share token.
type Link struct {
	DeckID       string    `json:"deck_id"`
	Role         string    `json:"role"`
	CreatedBy    string    `json:"created_by"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	ErrNotFound      = errors.New("share link not found or expired")
	ErrWrongPassword = errors.New("share link password mismatch")
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "share:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "share:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save stores a share link under its token hash. A password, when given,
// is bcrypt-hashed before storage; the raw password never reaches Redis.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, link Link, password string, ttl time.Duration) error {
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash share password: %w", err)
		}
		link.PasswordHash = string(hash)
	}
	link.CreatedAt = time.Now()

	jsonData, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal share link: %w", err)
	}

	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save share link: %w", err)
	}
	return nil
}

// Resolve looks up a share link by token hash, checking the password when
// the link carries one. Expired links surface as ErrNotFound because Redis
// has already dropped the key.
func (s *RedisStore) Resolve(ctx context.Context, tokenHash, password string) (Link, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("lookup share link: %w", err)
	}

	var link Link
	if err := json.Unmarshal([]byte(jsonData), &link); err != nil {
		return Link{}, fmt.Errorf("unmarshal share link: %w", err)
	}

	if link.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return Link{}, ErrWrongPassword
		}
	}
	link.PasswordHash = ""
	return link, nil
}

func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
