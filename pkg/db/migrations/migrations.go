// Package migrations lists the schema migrations of skillet's storage
// database. Versions use the YYYYMMDDHHmmss timestamp format.
package migrations

import (
	"github.com/jingkaihe/skillet/pkg/db"
)

// All returns every registered migration. New migrations are appended.
func All() []db.Migration {
	return []db.Migration{
		Migration20260912094500CreateInvocations(),
		Migration20260915140200AddInvocationIndexes(),
	}
}
