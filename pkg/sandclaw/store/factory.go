package store

import "fmt"

// Open selects and opens a backend by name. "sqlite" (default) uses the DSN
// as a file path; "postgres" uses it as a connection URL.
func Open(backend, dsn string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want sqlite or postgres)", backend)
	}
}
