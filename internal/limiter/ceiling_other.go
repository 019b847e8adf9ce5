//go:build !linux

package limiter

import "errors"

func ApplyHardCeiling(bytes int64) error {
	return errors.New("hard memory ceiling is only supported on linux")
}
