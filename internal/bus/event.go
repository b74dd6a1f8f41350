package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." or "sync.".
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageCommitted  = "message.committed"
	KindMessageSendFailed = "message.send_failed"
	KindSyncBatch         = "sync.batch"
	KindSyncCompleted     = "sync.completed"
	KindNetReconnected    = "net.reconnected"
	KindNetOffline        = "net.offline"
	KindStatusChanged     = "engine.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
