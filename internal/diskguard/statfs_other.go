//go:build !linux && !darwin && !windows

package diskguard

import "errors"

func availableBytes(string) (uint64, error) {
	return 0, errors.New("free space query not supported on this platform")
}
