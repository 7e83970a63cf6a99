package userstate

import (
	"context"
	"time"

	"RTProject/service/storage/pg"

	"github.com/pkg/errors"
)

// Writer 用户状态落库（presence.StatusWriter 的实现）。
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

// WriteStatus 更新持久化的用户状态；转入 OFFLINE 时附带 last_seen_at。
func (w *Writer) WriteStatus(ctx context.Context, userID, status string, lastSeen *time.Time) error {
	var err error
	if lastSeen != nil {
		_, err = pg.GetPool().Exec(ctx,
			`UPDATE users SET presence_status = $1, last_seen_at = $2 WHERE id = $3`,
			status, *lastSeen, userID)
	} else {
		_, err = pg.GetPool().Exec(ctx,
			`UPDATE users SET presence_status = $1 WHERE id = $2`,
			status, userID)
	}
	if err != nil {
		return errors.Wrap(err, "write user status")
	}
	return nil
}
