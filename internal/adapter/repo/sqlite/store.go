package sqlite

import "database/sql"

// Store bundles all repositories over one database handle. The handle is
// the only process-global resource; it is opened at startup and closed at
// shutdown.
type Store struct {
	DB       *sql.DB
	Identity *IdentityRepo
	Sessions *SessionRepo
	Turns    *TurnRepo
	KV       *KVRepo
	Registry *RegistryRepo
	Children *ChildRepo
}

// NewStore constructs the repository bundle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:       db,
		Identity: NewIdentityRepo(db),
		Sessions: NewSessionRepo(db),
		Turns:    NewTurnRepo(db),
		KV:       NewKVRepo(db),
		Registry: NewRegistryRepo(db),
		Children: NewChildRepo(db),
	}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }
