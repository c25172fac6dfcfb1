package alignment

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultAlignment is substituted whenever the device can't be queried.
const DefaultAlignment = 4096

var ErrQueryUnsupported = errors.New("block size query unsupported for target")

// Info describes the buffer and offset granularity required for direct I/O.
type Info struct {
	RequiredAlignment int  `json:"requiredAlignment"`
	IsAccurate        bool `json:"isAccurate"`
}

type Resolver interface {
	Resolve(target string) Info
}

// DefaultResolver is used on platforms that can't report block device geometry.
type DefaultResolver struct {
	log zerolog.Logger
}

func NewDefaultResolver(log zerolog.Logger) *DefaultResolver {
	return &DefaultResolver{log}
}

func (r *DefaultResolver) Resolve(target string) Info {
	r.log.Debug().
		Str("target", target).
		Int("alignment", DefaultAlignment).
		Msg("Platform can't query block size, assuming default alignment")

	return Info{
		RequiredAlignment: DefaultAlignment,
		IsAccurate:        false,
	}
}

func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
