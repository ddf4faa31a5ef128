package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestRecorderFansOutAndStampsTime(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder(a, b)

	r.Record(context.Background(), Event{Type: EventSpawn, Name: "omni-node", PID: 10})
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1, "a failing sink still receives the event")
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, EventSpawn, a.events[0].Type)

	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestRecorderAfterCancelStillSends(t *testing.T) {
	s := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewRecorder(s).Record(ctx, Event{Type: EventTerminate, Name: "eth-rpc"})
	assert.Len(t, s.events, 1)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventExit})
	assert.NoError(t, r.Close())
}

func TestErrText(t *testing.T) {
	assert.Empty(t, ErrText(nil))
	assert.Equal(t, "boom", ErrText(errors.New("boom")))
}

func TestSQLiteSink(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	sink, err := NewSinkFromDSN(dsn)
	require.NoError(t, err)
	s, ok := sink.(*SQLSink)
	require.True(t, ok)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Send(ctx, Event{Type: EventSpawn, OccurredAt: now, Name: "omni-node", PID: 1, Detail: "polkadot-omni-node --chain ./chain_spec.json"}))
	require.NoError(t, s.Send(ctx, Event{Type: EventExit, OccurredAt: now, Name: "omni-node", PID: 1, Err: "exit status 1"}))
	require.NoError(t, s.Send(ctx, Event{Type: EventSpawn, OccurredAt: now, Name: "eth-rpc", PID: 2}))

	n, err := s.Count(ctx, "omni-node")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteSinkReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s1, err := NewSQLSink(path)
	require.NoError(t, err)
	require.NoError(t, s1.Send(context.Background(), Event{Type: EventInstall, OccurredAt: time.Now(), Name: "eth-rpc"}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLSink(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	n, err := s2.Count(context.Background(), "eth-rpc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewSinkFromDSNErrors(t *testing.T) {
	_, err := NewSinkFromDSN("")
	require.Error(t, err)
	_, err = NewSinkFromDSN("mysql://localhost/db")
	require.Error(t, err)
	_, err = NewClickHouseSink("clickhouse://localhost:9000?table=bad-name")
	require.Error(t, err)
}
