// Package store implements the persistence interface shared by gossip,
// the DLM and the DSM: a small key/value/set/hash surface with optional
// durable, file-backed replay.
package store

import (
	"context"
	"encoding/json"
)

// Store is the persistence surface every durable component writes
// through. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value any) error
	SSet(key, member string) error
	SDel(key, member string) error
	HSet(key, field string, value any) error
	HDel(key, field string) error
	Del(key string) error
	Clear() error
	ForEach(ctx context.Context, fn func(key string, value json.RawMessage) error) error
	ForEachSync(fn func(key string, value json.RawMessage) error) error
	Idle() bool
	Load() error
	Stop() error
}

// Null is the default, disabled persistence backend: every mutation is
// applied to an in-memory map only, Load/Stop are no-ops, and Idle is
// always true. meshringd gives gossip a Null unless a flush path is
// configured; the DLM and DSM get no store at all unless disk
// persistence is enabled.
type Null struct {
	data map[string]json.RawMessage
}

// NewNull returns a ready-to-use in-memory Store.
func NewNull() *Null {
	return &Null{data: make(map[string]json.RawMessage)}
}

func (n *Null) Get(key string) (json.RawMessage, bool) {
	v, ok := n.data[key]
	return v, ok
}

func (n *Null) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	n.data[key] = raw
	return nil
}

func (n *Null) SSet(key, member string) error { return n.Set(key+"/"+member, member) }
func (n *Null) SDel(key, member string) error { delete(n.data, key+"/"+member); return nil }
func (n *Null) HSet(key, field string, value any) error {
	return n.Set(key+"#"+field, value)
}
func (n *Null) HDel(key, field string) error { delete(n.data, key+"#"+field); return nil }

func (n *Null) Del(key string) error {
	delete(n.data, key)
	return nil
}

func (n *Null) Clear() error {
	n.data = make(map[string]json.RawMessage)
	return nil
}

func (n *Null) ForEach(ctx context.Context, fn func(key string, value json.RawMessage) error) error {
	for k, v := range n.data {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (n *Null) ForEachSync(fn func(key string, value json.RawMessage) error) error {
	for k, v := range n.data {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (n *Null) Idle() bool  { return true }
func (n *Null) Load() error { return nil }
func (n *Null) Stop() error { return nil }

func unmarshalInto(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
