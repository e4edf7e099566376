package spool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndDrainFIFO(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	require.NoError(t, s.Put(ctx, "traces", []byte(`{"n":1}`)))
	require.NoError(t, s.Put(ctx, "spans", []byte(`{"n":2}`)))
	require.NoError(t, s.Put(ctx, "traces", []byte(`{"n":3}`)))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var kinds []string
	var payloads []string
	delivered, err := s.Drain(ctx, func(_ context.Context, kind string, payload []byte) error {
		kinds = append(kinds, kind)
		payloads = append(payloads, string(payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"traces", "spans", "traces"}, kinds)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, payloads)

	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "drained batches are reclaimed")
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	require.NoError(t, s.Put(ctx, "traces", []byte(`a`)))
	require.NoError(t, s.Put(ctx, "traces", []byte(`b`)))

	calls := 0
	delivered, err := s.Drain(ctx, func(context.Context, string, []byte) error {
		calls++
		return errors.New("backend down")
	})
	require.Error(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, calls, "drain stops after the first failure")

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failed batches remain spooled")
}

func TestDrainEmptySpool(t *testing.T) {
	s := openTestSpool(t)
	delivered, err := s.Drain(context.Background(), func(context.Context, string, []byte) error {
		t.Fatal("deliver must not be called for an empty spool")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "spans", []byte(`x`)))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	n, err := s2.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
