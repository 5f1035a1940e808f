package configstore

// ConfigStore loads and saves a configuration document, such as the
// device-profile catalog.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}
