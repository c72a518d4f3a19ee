package store

// DefaultFactory is the default implementation of Factory
type DefaultFactory struct{}

// NewFactory returns the default store factory.
func NewFactory() *DefaultFactory {
	return &DefaultFactory{}
}

// Create returns a store implementation based on the configuration
func (f *DefaultFactory) Create(config Config) (Store, error) {
	if config.Backend == "dapr" {
		return NewDaprStore(config)
	}
	return NewMemoryStore(), nil
}
