package history

import (
	"context"

	"github.com/alimasry/go-patch-history/store"
)

// Hooks observe the lifecycle of documents handled by a Model. A non-nil
// error from a Before hook aborts the operation; from an After hook it is
// returned to the caller after the store write has happened.
type Hooks interface {
	// AfterInit runs on every document loaded from the store.
	AfterInit(ctx context.Context, doc *store.Document) error
	// BeforeSave runs before a new or existing document is written.
	BeforeSave(ctx context.Context, doc *store.Document) error
	// AfterSave runs once the write succeeded.
	AfterSave(ctx context.Context, doc *store.Document) error
	// BeforeRemove runs before a document is deleted.
	BeforeRemove(ctx context.Context, doc *store.Document) error
}

// NopHooks implements Hooks with no-ops. Embed it to override a subset.
type NopHooks struct{}

func (NopHooks) AfterInit(context.Context, *store.Document) error    { return nil }
func (NopHooks) BeforeSave(context.Context, *store.Document) error   { return nil }
func (NopHooks) AfterSave(context.Context, *store.Document) error    { return nil }
func (NopHooks) BeforeRemove(context.Context, *store.Document) error { return nil }
