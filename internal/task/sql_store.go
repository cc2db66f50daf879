package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/storage/mysql"
)

// SQLStore 使用 task_states 表记录任务状态，表结构由存储层的迁移创建。
type SQLStore struct {
	db    *mysql.DB
	owned bool
	now   func() time.Time
}

// NewSQLStore 基于已有连接池创建 SQLStore，连接池由调用方关闭。
func NewSQLStore(db *mysql.DB) (*SQLStore, error) {
	if db == nil || db.DB == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储缺少数据库连接")
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// OpenSQLStore 打开独立连接池并执行迁移，Close 时一并关闭。
func OpenSQLStore(ctx context.Context, cfg mysql.Config) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务存储 DSN 不能为空")
	}
	cfg.AutoMigrate = true
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, owned: true, now: time.Now}, nil
}

const taskColumns = `id, entity_id, chat_id, prompt, source, status, attempts, max_retries,
        COALESCE(last_error, ''), error_code, COALESCE(result_reply, ''), result_tool_calls, created_at, updated_at`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	const stmt = `INSERT INTO task_states
        (id, entity_id, chat_id, prompt, source, status, attempts, max_retries, last_error, error_code, result_reply, result_tool_calls, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.EntityID,
		task.ChatID,
		task.Prompt,
		task.Source,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 以条件更新的方式领取任务，保证同一任务只被一个 worker 执行。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 将任务标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	const stmt = `UPDATE task_states SET status = ?, result_reply = ?, result_tool_calls = ?, updated_at = ?,
        last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		result.Reply,
		result.ToolCalls,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，terminal 时收紧重试上限。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = CASE WHEN max_retries > attempts THEN attempts ELSE max_retries END WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回最近的任务。
func (s *SQLStore) List(ctx context.Context, entityID string, limit int) ([]*Task, error) {
	limit = normalizeLimit(limit)

	query := `SELECT ` + taskColumns + ` FROM task_states`
	args := make([]any, 0, 2)
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Close 仅在连接池由本存储打开时关闭它。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task   Task
		status string
		result ExecutionResult
	)
	if err := row.Scan(
		&task.ID,
		&task.EntityID,
		&task.ChatID,
		&task.Prompt,
		&task.Source,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&task.LastError,
		&task.ErrorCode,
		&result.Reply,
		&result.ToolCalls,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	if task.Status == StatusSucceeded || result.Reply != "" {
		task.Result = &result
	}
	return &task, nil
}

var _ Store = (*SQLStore)(nil)
