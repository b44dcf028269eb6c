package journal

import (
	"context"
	"database/sql"
	"time"
)

// RecordDownload stores a fetched file; fetching the same name again
// refreshes the row and clears its processed mark
func (d *DB) RecordDownload(ctx context.Context, dl Download) error {
	at := dl.DownloadedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO downloads (folder, name, file_id, size, downloaded_at, processed_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(folder, name) DO UPDATE SET
			file_id=excluded.file_id,
			size=excluded.size,
			downloaded_at=excluded.downloaded_at,
			processed_at=NULL
	`, dl.Folder, dl.Name, dl.FileID, dl.Size, toMillis(at))
	return err
}

// MarkProcessed stamps a downloaded file as processed. Unknown names are
// not an error since files may predate the journal.
func (d *DB) MarkProcessed(ctx context.Context, folder, name string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `UPDATE downloads SET processed_at = ? WHERE folder = ? AND name = ?`, toMillis(at), folder, name)
	return err
}

// ListDownloads returns the downloads of folder by name; an empty folder
// lists every folder
func (d *DB) ListDownloads(ctx context.Context, folder string) (downloads []Download, err error) {
	query := `SELECT folder, name, file_id, size, downloaded_at, processed_at FROM downloads`
	var args []interface{}
	if folder != "" {
		query += ` WHERE folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY folder, name`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var dl Download
		var fileID sql.NullString
		var downloaded int64
		var processed sql.NullInt64
		if err := rows.Scan(&dl.Folder, &dl.Name, &fileID, &dl.Size, &downloaded, &processed); err != nil {
			return nil, err
		}
		dl.FileID = fileID.String
		dl.DownloadedAt = fromMillis(downloaded)
		if processed.Valid {
			t := fromMillis(processed.Int64)
			dl.ProcessedAt = &t
		}
		downloads = append(downloads, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return downloads, nil
}
