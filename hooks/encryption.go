// Package hooks encrypts configured PocketBase record fields on write and
// resolves them on read.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/pocketbase/pocketbase/core"

	"fieldcrypt/crypto"
)

// RecordLike is the part of *core.Record the hooks touch.
type RecordLike interface {
	GetString(field string) string
	Set(field string, value any)
}

var _ RecordLike = (*core.Record)(nil)

// CollectionConfig holds configuration for encrypting a collection.
type CollectionConfig struct {
	Collection string   `json:"collection"`
	Fields     []string `json:"fields"`
}

// Validate rejects configs without a collection or fields.
func (c CollectionConfig) Validate() error {
	if c.Collection == "" {
		return errors.New("collection name cannot be empty")
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("collection %s must have at least one field to encrypt", c.Collection)
	}
	return nil
}

// Hooks binds encrypt-on-write and decrypt-on-read handlers to a
// PocketBase app.
type Hooks struct {
	app    core.App
	codec  crypto.Encrypter
	logger slog.Logger

	mu     sync.Mutex
	fields map[string][]string
	bound  map[string]bool
}

// New creates Hooks. Nothing is bound until Register.
func New(app core.App, codec crypto.Encrypter, logger slog.Logger) *Hooks {
	return &Hooks{
		app:    app,
		codec:  codec,
		logger: logger.Named("hooks"),
		fields: make(map[string][]string),
		bound:  make(map[string]bool),
	}
}

// NewFromConfig creates Hooks for every config.
func NewFromConfig(app core.App, codec crypto.Encrypter, logger slog.Logger, configs []CollectionConfig) (*Hooks, error) {
	h := New(app, codec, logger)
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		h.AddCollection(cfg.Collection, cfg.Fields...)
	}
	return h, nil
}

// AddCollection adds fields to encrypt in collection. Adding to a collection
// whose hooks are already bound takes effect on the next event.
func (h *Hooks) AddCollection(collection string, fields ...string) *Hooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range fields {
		if !slices.Contains(h.fields[collection], f) {
			h.fields[collection] = append(h.fields[collection], f)
		}
	}
	return h
}

// Collections returns a copy of the configured fields per collection.
func (h *Hooks) Collections() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = slices.Clone(v)
	}
	return out
}

func (h *Hooks) fieldsOf(collection string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.fields[collection])
}

// Register binds hooks for every configured collection. Collections that do
// not exist yet are still bound by name and take effect once created.
func (h *Hooks) Register() error {
	if h.app == nil {
		return errors.New("hooks: app is nil")
	}

	h.mu.Lock()
	names := slices.Sorted(maps.Keys(h.fields))
	h.mu.Unlock()

	for _, collection := range names {
		h.mu.Lock()
		already := h.bound[collection]
		h.bound[collection] = true
		h.mu.Unlock()
		if already {
			continue
		}
		h.registerCollectionHooks(collection)
	}
	return nil
}

func (h *Hooks) registerCollectionHooks(collection string) {
	h.app.OnRecordCreateExecute(collection).BindFunc(func(e *core.RecordEvent) error {
		if err := h.encryptRecord(e.Context, e.Record, e.Record.Original(), h.fieldsOf(collection)); err != nil {
			return err
		}
		return e.Next()
	})

	h.app.OnRecordUpdateExecute(collection).BindFunc(func(e *core.RecordEvent) error {
		if err := h.encryptRecord(e.Context, e.Record, e.Record.Original(), h.fieldsOf(collection)); err != nil {
			return err
		}
		return e.Next()
	})

	h.app.OnRecordViewRequest(collection).BindFunc(func(e *core.RecordRequestEvent) error {
		h.decryptRecord(e.Request.Context(), e.Record, h.fieldsOf(collection))
		return e.Next()
	})

	h.app.OnRecordsListRequest(collection).BindFunc(func(e *core.RecordsListRequestEvent) error {
		fields := h.fieldsOf(collection)
		for _, record := range e.Records {
			h.decryptRecord(e.Request.Context(), record, fields)
		}
		return e.Next()
	})

	h.logger.Info(context.Background(), "registered encryption hooks",
		slog.F("collection", collection),
		slog.F("fields", h.fieldsOf(collection)),
	)
}

// encryptRecord encrypts every field whose value changed from original.
// Unchanged values are left alone, so stored blobs and legacy plaintext are
// never encrypted twice. A nil original means every value is new.
func (h *Hooks) encryptRecord(ctx context.Context, record, original RecordLike, fields []string) error {
	for _, field := range fields {
		value := record.GetString(field)
		if value == "" {
			continue
		}
		if original != nil && original.GetString(field) == value {
			continue
		}
		if h.isOwnSealedBlob(value) {
			continue
		}

		encrypted, err := h.codec.Encrypt(value)
		if err != nil {
			h.logger.Error(ctx, "encrypt field", slog.F("field", field), slog.Error(err))
			return fmt.Errorf("encrypt field %s: %w", field, err)
		}
		record.Set(field, encrypted)
	}
	return nil
}

func (h *Hooks) isOwnSealedBlob(value string) bool {
	keyID, ok := crypto.SealedKeyID(value)
	if !ok || keyID != h.codec.KeyID() {
		return false
	}
	return h.codec.Inspect(value).Kind == crypto.KindEncrypted
}

// decryptRecord replaces blobs with their plaintext. Values that do not
// decrypt are returned as stored.
func (h *Hooks) decryptRecord(ctx context.Context, record RecordLike, fields []string) {
	for _, field := range fields {
		value := record.GetString(field)
		if value == "" {
			continue
		}

		c := h.codec.Inspect(value)
		switch c.Kind {
		case crypto.KindEncrypted:
			record.Set(field, c.Plaintext)
		case crypto.KindUndecryptable:
			h.logger.Warn(ctx, "field did not decrypt under current key",
				slog.F("field", field),
				slog.F("format", c.Format.String()),
				slog.F("key_id", c.KeyID),
			)
		}
	}
}

// CheckSchema reports configured collections or fields missing from the
// app's schema. Missing entries are not fatal since hooks bind by name.
func (h *Hooks) CheckSchema() error {
	var errs []error
	for collection, fields := range h.Collections() {
		col, err := h.app.FindCollectionByNameOrId(collection)
		if err != nil {
			errs = append(errs, fmt.Errorf("collection %s: %w", collection, err))
			continue
		}
		for _, f := range fields {
			field := col.Fields.GetByName(f)
			if field == nil {
				errs = append(errs, fmt.Errorf("collection %s has no field %s", collection, f))
				continue
			}
			if _, ok := field.(*core.TextField); !ok {
				errs = append(errs, fmt.Errorf("field %s.%s is %s, not text", collection, f, field.Type()))
			}
		}
	}
	return errors.Join(errs...)
}
