// Package transport delivers queued items to the remote study API.
package transport

import (
	"context"

	"github.com/angelmondragon/painsync/pkg/enums"
)

// Transport is the delivery strategy used by the sync engine.
type Transport interface {
	SyncItem(ctx context.Context, item QueueItem) SyncResult
	SyncBatch(ctx context.Context, itemType enums.SyncItemType, items []QueueItem) (BatchSyncResult, error)
	SupportsBatch(itemType enums.SyncItemType) bool
	ValidateEnrollment(ctx context.Context, code string) (Session, error)
	RecordConsent(ctx context.Context, req ConsentRequest) error
	ServerStatus(ctx context.Context) (ServerSyncStatus, error)
	SetToken(token string)
}

var _ Transport = (*HTTPTransport)(nil)
