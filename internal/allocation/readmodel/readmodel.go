// Package readmodel maintains the allocations view: for every order, which batch
// each of its SKUs was allocated to. The view is kept in Redis as one hash per order.
package readmodel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "allocations:"

// Allocation is one row of the view.
type Allocation struct {
	SKU      string `json:"sku"`
	BatchRef string `json:"batchref"`
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

// View reads and writes the allocations view.
type View struct {
	client redis.UniversalClient
}

// New wraps an existing client.
func New(client redis.UniversalClient) *View {
	return &View{client: client}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*View, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client), nil
}

func (v *View) Close() error { return v.client.Close() }

func key(orderID string) string { return keyPrefix + orderID }

// Add records that sku of orderID was allocated to batchRef.
func (v *View) Add(ctx context.Context, orderID, sku, batchRef string) error {
	if err := v.client.HSet(ctx, key(orderID), sku, batchRef).Err(); err != nil {
		return fmt.Errorf("readmodel add %s/%s: %w", orderID, sku, err)
	}

	return nil
}

// Remove drops the allocation of sku for orderID. Removing a missing row is not an error.
func (v *View) Remove(ctx context.Context, orderID, sku string) error {
	if err := v.client.HDel(ctx, key(orderID), sku).Err(); err != nil {
		return fmt.Errorf("readmodel remove %s/%s: %w", orderID, sku, err)
	}

	return nil
}

// Allocations lists the allocations of orderID sorted by SKU. An unknown order has none.
func (v *View) Allocations(ctx context.Context, orderID string) ([]Allocation, error) {
	rows, err := v.client.HGetAll(ctx, key(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("readmodel allocations %s: %w", orderID, err)
	}

	out := make([]Allocation, 0, len(rows))
	for sku, ref := range rows {
		out = append(out, Allocation{SKU: sku, BatchRef: ref})
	}

	slices.SortFunc(out, func(a, b Allocation) int { return strings.Compare(a.SKU, b.SKU) })

	return out, nil
}
