package ports

// PropertyStore keeps session-scoped string properties across restarts.
type PropertyStore interface {
	GetString(key string) (string, bool, error)
	SetString(key, value string) error
}
