//go:build !linux && !tinygo

package gpio

import "errors"

// CdevDriver is only available on Linux.
type CdevDriver struct{ Driver }

func NewCdevDriver(chip string) (*CdevDriver, error) {
	return nil, errors.New("gpio character device backend requires linux")
}
