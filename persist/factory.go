package persist

import (
	"fmt"
)

// NewStore creates a Store instance based on the provided configuration.
// This is the single entry point callers should use so that backends stay
// swappable behind the Store interface.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeS3:
		return NewS3StoreFromConfig(config)
	case "":
		return nil, fmt.Errorf("store type is required")
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// FileSystemConfig is a convenience constructor for the common local case.
func FileSystemConfig(basePath string) StoreConfig {
	return StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": basePath},
	}
}
