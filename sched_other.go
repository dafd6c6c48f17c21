//go:build !linux

package player

import "errors"

func setRealtimePriority() error {
	return errors.New("realtime scheduling requires linux")
}
