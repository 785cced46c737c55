//go:build !linux

package block

import "github.com/pkg/errors"

func mtOp(f fdGetter, op int16, count int32) error {
	return errors.New("tape block layer is only implemented for linux")
}

func mtFileNumber(f fdGetter) (int64, error) {
	return 0, errors.New("tape block layer is only implemented for linux")
}

type fdGetter interface{ Fd() uintptr }
