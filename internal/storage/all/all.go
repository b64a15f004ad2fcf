// Package all registers every storage backend with the factory registry.
//
// Import it for side effects from binaries that select a backend via config:
//
//	import _ "martetl/internal/storage/all"
package all

import (
	_ "martetl/internal/storage/mssql"
	_ "martetl/internal/storage/postgres"
	_ "martetl/internal/storage/sqlite"
)
