package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeADB struct {
	version int
	err     error
}

func (f fakeADB) Status(context.Context) (int, error) { return f.version, f.err }

func TestADBChecker(t *testing.T) {
	tests := []struct {
		name    string
		adb     fakeADB
		wantErr string
	}{
		{name: "running", adb: fakeADB{version: 41}},
		{name: "unreachable", adb: fakeADB{err: errors.New("connection refused")}, wantErr: "adb server unreachable"},
		{name: "bad version", adb: fakeADB{version: 0}, wantErr: "invalid version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewADBChecker(tt.adb)
			assert.Equal(t, "adb", checker.Name())

			err := checker.Check(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
