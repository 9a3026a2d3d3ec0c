package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polycopy/bot/internal/domain"
)

type memCopyStore struct {
	mu   sync.Mutex
	rows []domain.CopyTrade
}

func (s *memCopyStore) Insert(_ context.Context, ct domain.CopyTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, ct)
	return nil
}

func (s *memCopyStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CopyTrade
	for _, ct := range s.rows {
		if ct.CreatedAt.Before(cutoff) {
			out = append(out, ct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memCopyStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.CopyTrade
	var deleted int64
	for _, ct := range s.rows {
		if ct.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ct)
	}
	s.rows = kept
	return deleted, nil
}

func (s *memCopyStore) SumExecutedSince(_ context.Context, since time.Time, preview bool) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, ct := range s.rows {
		if ct.Status == "executed" && ct.Preview == preview && !ct.CreatedAt.Before(since) {
			total += ct.CopyUSD
		}
	}
	return total, nil
}

// putRecorder fakes both sides of the blob store: uploads land in puts, and
// the reader half answers from the same map. With lossy set, uploads are
// acknowledged but never stored.
type putRecorder struct {
	mu    sync.Mutex
	puts  map[string][]byte
	lossy bool
}

func newPutRecorder() *putRecorder {
	return &putRecorder{puts: make(map[string][]byte)}
}

func (r *putRecorder) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lossy {
		r.puts[path] = body
	}
	return nil
}

func (r *putRecorder) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return r.Put(ctx, path, data, "")
}

func (r *putRecorder) Get(_ context.Context, path string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.puts[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (r *putRecorder) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var infos []domain.BlobInfo
	for path, body := range r.puts {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(body))})
		}
	}
	return infos, nil
}

func (r *putRecorder) Exists(_ context.Context, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.puts[path]
	return ok, nil
}

func auditRow(id string, age time.Duration) domain.CopyTrade {
	return domain.CopyTrade{
		ID:        id,
		TradeID:   "0xtx-" + id,
		Trader:    "0xabc",
		MarketID:  "cond-1",
		AssetID:   "asset-1",
		Side:      domain.OrderSideBuy,
		TraderUSD: 100,
		CopyUSD:   10,
		Price:     0.5,
		Status:    "executed",
		CreatedAt: time.Now().UTC().Add(-age),
	}
}

func TestArchiveCopyTradesUploadsAndPrunes(t *testing.T) {
	store := &memCopyStore{}
	require.NoError(t, store.Insert(context.Background(), auditRow("old-1", 48*time.Hour)))
	require.NoError(t, store.Insert(context.Background(), auditRow("old-2", 36*time.Hour)))
	require.NoError(t, store.Insert(context.Background(), auditRow("fresh", time.Hour)))

	writer := newPutRecorder()
	arch := NewArchiver(writer, writer, store, slog.Default())

	n, err := arch.ArchiveCopyTrades(context.Background(), time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, writer.puts, 1)
	for _, body := range writer.puts {
		lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
		require.Len(t, lines, 2)
		var first domain.CopyTrade
		require.NoError(t, json.Unmarshal(lines[0], &first))
		assert.Equal(t, "old-1", first.ID)
	}

	// The fresh row survives the prune.
	remaining, err := store.ListBefore(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ID)
}

func TestArchiveCopyTradesEmptyBacklog(t *testing.T) {
	writer := newPutRecorder()
	arch := NewArchiver(writer, writer, &memCopyStore{}, slog.Default())

	n, err := arch.ArchiveCopyTrades(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.puts)
}

func TestArchiveCopyTradesKeepsRowsWhenUploadUnverified(t *testing.T) {
	store := &memCopyStore{}
	require.NoError(t, store.Insert(context.Background(), auditRow("old-1", 48*time.Hour)))

	writer := newPutRecorder()
	writer.lossy = true
	arch := NewArchiver(writer, writer, store, slog.Default())

	n, err := arch.ArchiveCopyTrades(context.Background(), time.Now().UTC().Add(-24*time.Hour))
	require.Error(t, err)
	assert.Zero(t, n)

	// The row must survive: nothing may be pruned until the object is
	// confirmed in cold storage.
	remaining, err := store.ListBefore(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "old-1", remaining[0].ID)
}
