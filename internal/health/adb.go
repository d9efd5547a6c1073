package health

import (
	"context"
	"fmt"
)

// ADBStatus reports the adb server's protocol version. adb.Handle implements it.
type ADBStatus interface {
	Status(ctx context.Context) (int, error)
}

// ADBChecker checks that the adb server answers.
type ADBChecker struct {
	adb ADBStatus
}

func NewADBChecker(adb ADBStatus) *ADBChecker {
	return &ADBChecker{adb: adb}
}

func (a *ADBChecker) Name() string {
	return "adb"
}

func (a *ADBChecker) Check(ctx context.Context) error {
	version, err := a.adb.Status(ctx)
	if err != nil {
		return fmt.Errorf("adb server unreachable: %w", err)
	}
	if version <= 0 {
		return fmt.Errorf("adb server reported invalid version %d", version)
	}
	return nil
}
