package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"storefront-bot/internal/database"
)

const schemaVersion = 1

// envelope wraps every stored document so the layout can evolve.
type envelope struct {
	Schema int             `json:"schema"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

func encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Schema: schemaVersion, Kind: kind, Data: data})
}

func decode(kind string, raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	if env.Kind != kind {
		return fmt.Errorf("decode %s: document kind is %q", kind, env.Kind)
	}
	if env.Schema != schemaVersion {
		return fmt.Errorf("decode %s: unsupported schema version %d", kind, env.Schema)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// documents is the typed CRUD shared by every repository.
type documents[T any] struct {
	store  database.Store
	kind   string
	prefix string
}

func (d documents[T]) key(id string) string {
	return d.prefix + id
}

// get returns nil, 0, nil when the document does not exist.
func (d documents[T]) get(ctx context.Context, id string) (*T, int64, error) {
	rec, err := d.store.Get(ctx, d.key(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var v T
	if err := decode(d.kind, rec.Value, &v); err != nil {
		return nil, 0, err
	}
	return &v, rec.Revision, nil
}

func (d documents[T]) create(ctx context.Context, id string, v *T) (int64, error) {
	raw, err := encode(d.kind, v)
	if err != nil {
		return 0, err
	}
	return d.store.CompareAndSwap(ctx, d.key(id), 0, raw)
}

func (d documents[T]) update(ctx context.Context, id string, revision int64, v *T) (int64, error) {
	raw, err := encode(d.kind, v)
	if err != nil {
		return 0, err
	}
	return d.store.CompareAndSwap(ctx, d.key(id), revision, raw)
}

func (d documents[T]) put(ctx context.Context, id string, v *T) (int64, error) {
	raw, err := encode(d.kind, v)
	if err != nil {
		return 0, err
	}
	return d.store.Set(ctx, d.key(id), raw)
}

func (d documents[T]) delete(ctx context.Context, id string) (bool, error) {
	return d.store.Delete(ctx, d.key(id))
}

func (d documents[T]) list(ctx context.Context) ([]T, error) {
	records, err := d.store.ListByPrefix(ctx, d.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := decode(d.kind, rec.Value, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
