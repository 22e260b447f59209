package transport

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/archety/edged/internal/types"
)

// ChatDBReader implements Reader against the read-only chat datastore's
// message/chat/handle/attachment schema. Opened read-only: the datastore is
// owned and written by the chat application itself.
type ChatDBReader struct {
	db       *sql.DB
	resolver *PathResolver
}

// OpenChatDB opens the datastore at path read-only and wires it to resolver
// for attachment path resolution.
func OpenChatDB(path string, resolver *PathResolver) (*ChatDBReader, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&immutable=0", path))
	if err != nil {
		return nil, fmt.Errorf("open chat datastore: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &ChatDBReader{db: db, resolver: resolver}, nil
}

// Close closes the underlying database handle.
func (r *ChatDBReader) Close() error {
	return r.db.Close()
}

// HasNewSince is the mandatory fast pre-check: a cheap COUNT-style probe run
// before the expensive JOIN assembly.
func (r *ChatDBReader) HasNewSince(ctx context.Context, watermark int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message
		 WHERE ROWID > ? AND is_from_me = 0 AND text IS NOT NULL AND text != ''`,
		watermark,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PollSince performs the full JOIN assembly: sender, chat, and attachment
// rows. Group vs direct is decided by the chat.style column alone; the
// chat_identifier prefix is not consulted.
func (r *ChatDBReader) PollSince(ctx context.Context, watermark int64, limit int) ([]types.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.ROWID, c.chat_identifier, c.style, h.id, m.text, m.date
		FROM message m
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		WHERE m.ROWID > ? AND m.is_from_me = 0 AND m.text IS NOT NULL AND m.text != ''
		ORDER BY m.ROWID ASC
		LIMIT ?`, watermark, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var rowID int64
		var chatIdentifier string
		var style int
		var sender sql.NullString
		var text string
		var date int64
		if err := rows.Scan(&rowID, &chatIdentifier, &style, &sender, &text, &date); err != nil {
			return nil, err
		}

		msg := types.Message{
			RowID:     rowID,
			ThreadID:  chatIdentifier,
			Sender:    sender.String,
			Text:      text,
			Timestamp: EpochToTime(date),
			// style == 43 denotes a group chat in the datastore's own
			// chat.style column; everything else is direct.
			IsGroup: style == 43,
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].IsGroup {
			participants, err := r.participantsOf(ctx, out[i].ThreadID)
			if err != nil {
				return nil, fmt.Errorf("enumerate participants for %s: %w", out[i].ThreadID, err)
			}
			out[i].Participants = participants
		}
		atts, err := r.attachmentsOf(ctx, out[i].RowID)
		if err != nil {
			return nil, fmt.Errorf("resolve attachments for row %d: %w", out[i].RowID, err)
		}
		out[i].Attachments = atts
	}

	return out, nil
}

func (r *ChatDBReader) participantsOf(ctx context.Context, chatIdentifier string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT h.id FROM handle h
		JOIN chat_handle_join chj ON chj.handle_id = h.ROWID
		JOIN chat c ON c.ROWID = chj.chat_id
		WHERE c.chat_identifier = ?`, chatIdentifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *ChatDBReader) attachmentsOf(ctx context.Context, messageRowID int64) ([]types.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.ROWID, a.guid, a.filename, a.mime_type, a.uti, a.total_bytes, a.is_sticker, a.is_outgoing
		FROM attachment a
		JOIN message_attachment_join maj ON maj.attachment_id = a.ROWID
		WHERE maj.message_id = ?`, messageRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Attachment
	for rows.Next() {
		var id int64
		var att types.Attachment
		var filename, mime, uti sql.NullString
		var size int64
		var isSticker, isOutgoing int
		if err := rows.Scan(&id, &att.GUID, &filename, &mime, &uti, &size, &isSticker, &isOutgoing); err != nil {
			return nil, err
		}
		att.ID = fmt.Sprintf("%d", id)
		if filename.String != "" {
			att.Filename = filepath.Base(filename.String)
		}
		att.MIME = mime.String
		att.UTI = uti.String
		att.Size = size
		att.RelativePath = filename.String
		att.IsSticker = isSticker != 0
		att.IsOutgoing = isOutgoing != 0
		if r.resolver != nil {
			r.resolver.ResolveAttachment(&att)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}
