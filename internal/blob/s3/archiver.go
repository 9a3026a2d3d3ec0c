package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// archivePageSize bounds how many audit rows are pulled per archive object.
const archivePageSize = 10000

// ArchiveImpl implements domain.Archiver: it drains aged copy-trade audit
// rows from the database to JSONL objects in cold storage, then prunes the
// archived rows. Rows are only deleted after the uploaded object has been
// verified to exist.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	copies domain.CopyTradeStore
	logger *slog.Logger
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, copies domain.CopyTradeStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		copies: copies,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveCopyTrades uploads all copy-trade audit rows older than the cutoff
// as JSONL under archive/copy_trades/, then deletes them from the database.
// It pages through the backlog so a long retention gap does not balloon one
// upload. Returns the number of archived rows.
func (a *ArchiveImpl) ArchiveCopyTrades(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for page := 0; ; page++ {
		rows, err := a.copies.ListBefore(ctx, before, archivePageSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive copy trades query: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive copy trades marshal: %w", err)
		}

		path := archivePath(before, page)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive copy trades upload: %w", err)
		}

		// Read the object back before pruning. A Put that was acknowledged but
		// never landed would otherwise destroy the only copy of these rows.
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return total, fmt.Errorf("s3blob: verify archive object %s: %w", path, err)
		}
		if !ok {
			return total, fmt.Errorf("s3blob: archive object %s missing after upload", path)
		}

		// The page is durable in cold storage; prune it. DeleteBefore on the
		// last row's timestamp removes exactly the rows just uploaded, since
		// ListBefore returns them oldest first.
		cutoff := rows[len(rows)-1].CreatedAt.Add(time.Nanosecond)
		deleted, err := a.copies.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: prune archived copy trades: %w", err)
		}
		total += deleted

		a.logger.InfoContext(ctx, "copy trade page archived",
			slog.String("path", path),
			slog.Int("rows", len(rows)),
			slog.Int64("pruned", deleted))

		if len(rows) < archivePageSize {
			break
		}
	}
	return total, nil
}

// archivePath builds the object key for one archive page, partitioned by the
// year-month of the cutoff.
//
//	archive/copy_trades/2025-01/000.jsonl
func archivePath(before time.Time, page int) string {
	return fmt.Sprintf("archive/copy_trades/%s/%03d.jsonl", before.Format("2006-01"), page)
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
