//go:build !unix

package provision

import "errors"

func FreeSpace(path string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
