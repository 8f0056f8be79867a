package pg

import (
	"database/sql"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// The schema is owned by the migrations directory; run
// `taskloom migrate up` before serving.
func NewPGStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Tasks:     NewPGTaskStore(db),
		Chat:      NewPGChatStore(db),
		Actions:   NewPGActionStore(db),
		Turns:     NewPGTurnStore(db),
		Subagents: NewPGSubagentStore(db),
	}
}
