package maintenance

import (
	"github.com/warehouseops/orderflow/internal/services/automation/storage"
	"github.com/warehouseops/orderflow/internal/services/automation/storage/sqlite"
)

// maintenanceStore is the storage surface the maintenance commands touch.
type maintenanceStore interface {
	storage.AutomationTaskStore
	storage.EventStore
	storage.IdempotencyStore
	Close() error
}

// openStore is swapped by tests to avoid touching a real database.
var openStore = func(path string) (maintenanceStore, error) {
	return sqlite.Open(path)
}
