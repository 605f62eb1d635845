// Package all links every storage backend into the binary. Import it for
// side effects from main packages that want the full registry.
package all

import (
	_ "bankdw/internal/storage/mssql"
	_ "bankdw/internal/storage/postgres"
	_ "bankdw/internal/storage/sqlite"
)
