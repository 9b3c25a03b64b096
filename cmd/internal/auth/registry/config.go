package registry

import "fmt"

// Config bounds refresh rotation. Token TTLs and keys live on the codec.
type Config struct {
	// MaxRotations is the lifetime rotation ceiling per family. The
	// counter never resets; once hit, the family is revoked and the user
	// must log in again.
	MaxRotations int
}

func DefaultConfig() Config {
	return Config{MaxRotations: 100}
}

func (c Config) Validate() error {
	if c.MaxRotations <= 0 {
		return fmt.Errorf("%w: MaxRotations must be positive", ErrConfig)
	}
	return nil
}
