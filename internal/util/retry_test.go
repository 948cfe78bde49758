package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked"), true},
		{"busy code", errors.New("libsql: SQLITE_BUSY (5)"), true},
		{"unique", errors.New("UNIQUE constraint failed: fs_dentry.parent_ino, fs_dentry.name"), false},
		{"other", errors.New("no such table: fs_inode"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsDatabaseLocked(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("retries locked errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		}, DatabaseRetryOptions(context.Background(), 3)...)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			return errors.New("database is locked")
		}, DatabaseRetryOptions(context.Background(), 2)...)
		assert.True(t, IsDatabaseLocked(err))
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		boom := errors.New("UNIQUE constraint failed")
		err := Retry(context.Background(), func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}
