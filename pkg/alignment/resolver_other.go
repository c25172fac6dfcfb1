//go:build !linux

package alignment

import "github.com/rs/zerolog"

func NewResolver(log zerolog.Logger) Resolver {
	return NewDefaultResolver(log)
}
