package memory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("payout rules")
	uri, err := store.PutObject(context.Background(), "snapshots/firm-1/abc.txt", "text/plain", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://snapshots/firm-1/abc.txt", uri)

	payload[0] = 'P'
	got, ok := store.Get("snapshots/firm-1/abc.txt")
	require.True(t, ok)
	assert.Equal(t, "payout rules", string(got))

	got[0] = 'X'
	again, _ := store.Get("snapshots/firm-1/abc.txt")
	assert.Equal(t, "payout rules", string(again))
	assert.Equal(t, 1, store.Len())
}

func TestBlobStoreOverwriteKeepsOneObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for range 2 {
		_, err := store.PutObject(context.Background(), "a.txt", "", strings.NewReader("same"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.Len())
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)

	boom := errors.New("disk full")
	store.FailWith(boom)
	_, err = store.PutObject(context.Background(), "a.txt", "", strings.NewReader("x"))
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewBlobStore().PutObject(ctx, "a.txt", "", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
}
