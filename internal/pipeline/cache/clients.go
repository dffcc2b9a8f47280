// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

// ListClient abstracts the minimal list surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type ListClient interface {
	// PushTail appends values to the tail of the list under key.
	PushTail(ctx context.Context, key string, values ...any) error

	// PushHead prepends values to the head of the list under key, one by one
	// in the given order (so the last value given ends up at the head).
	PushHead(ctx context.Context, key string, values ...any) error

	// PopHead removes and returns up to count values from the head. An empty
	// or missing list yields (nil, nil).
	PopHead(ctx context.Context, key string, count int) ([]string, error)

	// Len returns the list length, 0 for a missing key.
	Len(ctx context.Context, key string) (int64, error)

	Close() error
}

// GoRedisListClient is a production-ready ListClient backed by
// github.com/redis/go-redis/v9. Use NewGoRedisListClient to construct it with
// an address like "127.0.0.1:6379".
type GoRedisListClient struct{ c *redis.Client }

func NewGoRedisListClient(addr string) *GoRedisListClient {
	opt := &redis.Options{Addr: addr}
	return &GoRedisListClient{c: redis.NewClient(opt)}
}

func (g *GoRedisListClient) PushTail(ctx context.Context, key string, values ...any) error {
	return g.c.RPush(ctx, key, values...).Err()
}

func (g *GoRedisListClient) PushHead(ctx context.Context, key string, values ...any) error {
	return g.c.LPush(ctx, key, values...).Err()
}

func (g *GoRedisListClient) PopHead(ctx context.Context, key string, count int) ([]string, error) {
	vals, err := g.c.LPopCount(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return vals, err
}

func (g *GoRedisListClient) Len(ctx context.Context, key string) (int64, error) {
	return g.c.LLen(ctx, key).Result()
}

func (g *GoRedisListClient) Close() error { return g.c.Close() }
