package postgres

import "adsync/internal/storage"

func init() {
	// registers the Postgres backend factory
	storage.Register("postgres", New)
}
