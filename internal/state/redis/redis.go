package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/syncagent/sdk"
)

type record struct {
	LastSync string `json:"last_sync"`
	LastKey  string `json:"last_key,omitempty"`
}

// State is a redis backed watermark store
type State struct {
	client *redis.Client
	prefix string
}

var _ sdk.WatermarkStore = (*State)(nil)
var _ io.Closer = (*State)(nil)

func (f *State) key() string {
	return fmt.Sprintf("syncagent:%s:watermark", f.prefix)
}

// Get returns the stored watermark or an unset one if the key doesn't exist
func (f *State) Get(ctx context.Context) (sdk.Watermark, error) {
	str, err := f.client.Get(ctx, f.key()).Result()
	if err == redis.Nil {
		return sdk.Watermark{}, nil
	}
	if err != nil {
		return sdk.Watermark{}, err
	}
	var rec record
	if err := json.Unmarshal([]byte(str), &rec); err != nil {
		return sdk.Watermark{}, fmt.Errorf("error decoding watermark: %w", err)
	}
	return sdk.ParseWatermark(rec.LastSync, rec.LastKey)
}

// Set stores the watermark with a single SET which replaces the previous value atomically
func (f *State) Set(ctx context.Context, wm sdk.Watermark) error {
	return f.client.Set(ctx, f.key(), pjson.Stringify(record{wm.String(), wm.Key}), 0).Err()
}

// Close the underlying client
func (f *State) Close() error {
	return f.client.Close()
}

// New will create a new watermark store backed by Redis. prefix namespaces the key, normally the agent name.
func New(ctx context.Context, url string, db int, prefix string) (*State, error) {
	client := redis.NewClient(&redis.Options{
		Addr: url,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", url, err)
	}
	return &State{
		client: client,
		prefix: prefix,
	}, nil
}
