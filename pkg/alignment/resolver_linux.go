//go:build linux

package alignment

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

func NewResolver(log zerolog.Logger) Resolver {
	return NewBlockDeviceResolver(log)
}

type BlockDeviceResolver struct {
	log zerolog.Logger
}

func NewBlockDeviceResolver(log zerolog.Logger) *BlockDeviceResolver {
	return &BlockDeviceResolver{log}
}

// Resolve never fails; a failed query degrades to DefaultAlignment. IsAccurate
// stays true since it reflects what the platform supports, not this query.
func (r *BlockDeviceResolver) Resolve(target string) Info {
	info := Info{
		RequiredAlignment: DefaultAlignment,
		IsAccurate:        true,
	}

	blockSize, err := QueryBlockSize(target)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("target", target).
			Int("alignment", DefaultAlignment).
			Msg("Could not get device alignment, assuming default")

		return info
	}

	r.log.Info().
		Str("target", target).
		Int("alignment", blockSize).
		Msg("Resolved required buffer alignment")

	info.RequiredAlignment = blockSize

	return info
}

// QueryBlockSize asks the kernel for the block size of the device backing target.
func QueryBlockSize(target string) (int, error) {
	f, err := os.Open(target)
	if err != nil {
		return 0, errors.Wrap(err, "could not open target")
	}
	defer f.Close()

	blockSize, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKBSZGET)
	if err != nil {
		return 0, errors.Wrapf(ErrQueryUnsupported, "BLKBSZGET on %v: %v", target, err)
	}

	if !IsPowerOfTwo(blockSize) {
		return 0, errors.Wrapf(ErrQueryUnsupported, "BLKBSZGET on %v returned %v, which is not a power of two", target, blockSize)
	}

	return blockSize, nil
}
