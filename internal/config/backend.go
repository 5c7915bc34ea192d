package config

// ConfigBackend abstracts platform-specific config storage: user defaults
// on macOS, an XDG-path JSON file everywhere else. Boolean keys ride the
// string accessors as "true"/"false".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
