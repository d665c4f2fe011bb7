package transcript

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreRecent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, Record{SessionID: "s1", Kind: KindDriverText, Content: fmt.Sprintf("t%d", i)}))
	}
	require.NoError(t, s.Save(ctx, Record{SessionID: "s2", Kind: KindStreamInfo, Content: "other"}))

	got, err := s.Recent(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "t3", got[0].Content)
	require.Equal(t, "t4", got[1].Content)
	require.NotEmpty(t, got[0].ID)
	require.False(t, got[0].CreatedAt.IsZero())

	all, err := s.Recent(ctx, "s1", 100)
	require.NoError(t, err)
	require.Len(t, all, 5)

	none, err := s.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestInMemoryStoreBoundsSession(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for i := 0; i < maxRecordsPerSession+10; i++ {
		require.NoError(t, s.Save(ctx, Record{SessionID: "s", Content: fmt.Sprint(i)}))
	}
	got, err := s.Recent(ctx, "s", maxRecordsPerSession+10)
	require.NoError(t, err)
	require.Len(t, got, maxRecordsPerSession)
	require.Equal(t, "10", got[0].Content)
}

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, ok := s.(*InMemoryStore)
	require.True(t, ok, "got %T, want *InMemoryStore", s)
}
