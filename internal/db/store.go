package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/models"
)

// Store provides the durable record, queue, kv and lease operations.
// Every failure of the underlying engine is reported as *errors.StorageError;
// the store never retries on its own.
type Store struct {
	db *sql.DB

	// Now stamps timestamps; tests replace it.
	Now func() time.Time

	// Prepared statement cache for the hot queue queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	// If another goroutine already prepared this, close our duplicate
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. The database itself is
// owned by the caller.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `id, timestamp, type, payload, synced, last_modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.StoredRecord, error) {
	var rec models.StoredRecord
	var ts, lm int64
	var payload string
	var synced int
	if err := row.Scan(&rec.ID, &ts, &rec.Type, &payload, &synced, &lm); err != nil {
		return nil, err
	}
	rec.Timestamp = fromUnixNano(ts)
	rec.LastModified = fromUnixNano(lm)
	rec.Payload = json.RawMessage(payload)
	rec.Synced = synced != 0
	return &rec, nil
}

func validPayload(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return errors.New(errors.ErrInvalid, "payload is not valid JSON")
	}
	return nil
}

// Put inserts a new unsynced record and returns its id.
func (s *Store) Put(ctx context.Context, recordType models.EntityType, payload json.RawMessage) (int64, error) {
	if err := validPayload(payload); err != nil {
		return 0, err
	}
	now := s.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (timestamp, type, payload, synced, last_modified) VALUES (?, ?, ?, 0, ?)`,
		now, string(recordType), string(payload), now)
	if err != nil {
		return 0, errors.NewStorageError("put", string(recordType), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.NewStorageError("put", string(recordType), err)
	}
	return id, nil
}

// Update replaces a record's payload, bumps LastModified and clears Synced.
func (s *Store) Update(ctx context.Context, id int64, payload json.RawMessage) error {
	if err := validPayload(payload); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET payload = ?, synced = 0, last_modified = MAX(?, timestamp) WHERE id = ?`,
		string(payload), s.Now().UnixNano(), id)
	if err != nil {
		return errors.NewStorageError("update", idKey(id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("update", idKey(id), err)
	}
	if n == 0 {
		return errors.NewNotFound("record", idKey(id))
	}
	return nil
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, id int64) (*models.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("record", idKey(id))
	}
	if err != nil {
		return nil, errors.NewStorageError("get", idKey(id), err)
	}
	return rec, nil
}

func (s *Store) queryRecords(ctx context.Context, op, key, query string, args ...any) ([]*models.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageError(op, key, err)
	}
	defer rows.Close()

	var records []*models.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.NewStorageError(op, key, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(op, key, err)
	}
	return records, nil
}

// Query returns every record of a type in insertion order.
func (s *Store) Query(ctx context.Context, recordType models.EntityType) ([]*models.StoredRecord, error) {
	return s.queryRecords(ctx, "query", string(recordType),
		`SELECT `+recordColumns+` FROM records WHERE type = ? ORDER BY id`, string(recordType))
}

// QueryUnsynced returns every record not yet confirmed remotely.
func (s *Store) QueryUnsynced(ctx context.Context) ([]*models.StoredRecord, error) {
	return s.queryRecords(ctx, "query_unsynced", "",
		`SELECT `+recordColumns+` FROM records WHERE synced = 0 ORDER BY id`)
}

// MarkSynced flags a record as synced. Already-synced and unknown records
// are left untouched.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET synced = 1 WHERE id = ? AND synced = 0`, id)
	return errors.NewStorageError("mark_synced", idKey(id), err)
}

// Delete removes a record permanently. Pending operations that captured the
// record's state in their body are kept.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return errors.NewStorageError("delete", idKey(id), err)
}

// =====================================================
// Pending Operation Queue
// =====================================================

const operationColumns = `id, target_url, method, headers, body, priority, enqueued_at, retry_count, record_id, last_error`

// dequeueOrder drains high before medium before low, oldest first within
// a band; id breaks ties between equal timestamps.
const dequeueOrder = ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, enqueued_at, id`

func scanOperation(row rowScanner) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var headers string
	var body sql.NullString
	var recordID sql.NullInt64
	var enqueuedAt int64
	if err := row.Scan(&op.ID, &op.TargetURL, &op.Method, &headers, &body, &op.Priority,
		&enqueuedAt, &op.RetryCount, &recordID, &op.LastError); err != nil {
		return nil, err
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &op.Headers); err != nil {
			return nil, err
		}
	}
	if body.Valid {
		b := body.String
		op.Body = &b
	}
	if recordID.Valid {
		id := recordID.Int64
		op.RecordID = &id
	}
	op.EnqueuedAt = fromUnixNano(enqueuedAt)
	return &op, nil
}

func validateOperation(op *models.PendingOperation) error {
	if op == nil || op.TargetURL == "" {
		return errors.New(errors.ErrInvalid, "operation needs a target URL")
	}
	if !models.ValidMethod(op.Method) {
		return errors.New(errors.ErrInvalid, "unsupported method "+op.Method)
	}
	if op.Priority == "" {
		op.Priority = models.PriorityMedium
	}
	if !op.Priority.Valid() {
		return errors.New(errors.ErrInvalid, "unknown priority "+string(op.Priority))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertOperation(ctx context.Context, ex execer, op *models.PendingOperation) (int64, error) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.Now()
	}
	op.RetryCount = 0
	headers, err := json.Marshal(op.Headers)
	if err != nil {
		return 0, errors.Wrap(errors.ErrInvalid, "headers", err)
	}
	if op.Headers == nil {
		headers = []byte("{}")
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO pending_operations (target_url, method, headers, body, priority, enqueued_at, retry_count, record_id, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, '')`,
		op.TargetURL, op.Method, string(headers), op.Body, string(op.Priority),
		op.EnqueuedAt.UnixNano(), op.RecordID)
	if err != nil {
		return 0, errors.NewStorageError("enqueue", op.TargetURL, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.NewStorageError("enqueue", op.TargetURL, err)
	}
	op.ID = id
	return id, nil
}

// Enqueue appends an operation with RetryCount 0 and returns its id.
// A zero EnqueuedAt is stamped with the current time and an empty
// Priority defaults to medium.
func (s *Store) Enqueue(ctx context.Context, op *models.PendingOperation) (int64, error) {
	if err := validateOperation(op); err != nil {
		return 0, err
	}
	return s.insertOperation(ctx, s.db, op)
}

// PutAndEnqueue writes a new record and queues its remote call in one
// transaction. The operation's RecordID is set to the new record.
func (s *Store) PutAndEnqueue(ctx context.Context, recordType models.EntityType, payload json.RawMessage, op *models.PendingOperation) (int64, int64, error) {
	if err := validPayload(payload); err != nil {
		return 0, 0, err
	}
	if err := validateOperation(op); err != nil {
		return 0, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errors.NewStorageError("put_and_enqueue", string(recordType), err)
	}
	defer tx.Rollback()

	now := s.Now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (timestamp, type, payload, synced, last_modified) VALUES (?, ?, ?, 0, ?)`,
		now, string(recordType), string(payload), now)
	if err != nil {
		return 0, 0, errors.NewStorageError("put_and_enqueue", string(recordType), err)
	}
	recordID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, errors.NewStorageError("put_and_enqueue", string(recordType), err)
	}

	op.RecordID = &recordID
	opID, err := s.insertOperation(ctx, tx, op)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, errors.NewStorageError("put_and_enqueue", string(recordType), err)
	}
	return recordID, opID, nil
}

// Dequeue returns a snapshot of every pending operation in drain order.
// Operations stay queued until removed.
func (s *Store) Dequeue(ctx context.Context) ([]*models.PendingOperation, error) {
	stmt, err := s.prepareStmt(ctx, `SELECT `+operationColumns+` FROM pending_operations`+dequeueOrder)
	if err != nil {
		return nil, errors.NewStorageError("dequeue", "", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, errors.NewStorageError("dequeue", "", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.NewStorageError("dequeue", "", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("dequeue", "", err)
	}
	return ops, nil
}

// GetOperation returns a single pending operation.
func (s *Store) GetOperation(ctx context.Context, id int64) (*models.PendingOperation, error) {
	stmt, err := s.prepareStmt(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`)
	if err != nil {
		return nil, errors.NewStorageError("get_operation", idKey(id), err)
	}
	op, err := scanOperation(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("operation", idKey(id))
	}
	if err != nil {
		return nil, errors.NewStorageError("get_operation", idKey(id), err)
	}
	return op, nil
}

// RemoveOperation deletes an operation; removing an absent id is a no-op.
func (s *Store) RemoveOperation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return errors.NewStorageError("remove_operation", idKey(id), err)
}

// UpdateOperation applies a partial update.
func (s *Store) UpdateOperation(ctx context.Context, id int64, patch models.OperationPatch) error {
	if patch.RetryCount != nil && *patch.RetryCount < 0 {
		return errors.New(errors.ErrInvalid, "retry count must be >= 0")
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return errors.New(errors.ErrInvalid, "unknown priority "+string(*patch.Priority))
	}

	var priority *string
	if patch.Priority != nil {
		p := string(*patch.Priority)
		priority = &p
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations SET
			retry_count = COALESCE(?, retry_count),
			last_error  = COALESCE(?, last_error),
			priority    = COALESCE(?, priority)
		 WHERE id = ?`,
		patch.RetryCount, patch.LastError, priority, id)
	if err != nil {
		return errors.NewStorageError("update_operation", idKey(id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("update_operation", idKey(id), err)
	}
	if n == 0 {
		return errors.NewNotFound("operation", idKey(id))
	}
	return nil
}

// PendingCount returns the queue length.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, errors.NewStorageError("pending_count", "", err)
	}
	return n, nil
}

// ClearAll wipes records, the queue, the kv table and leases. Only an
// explicit user-initiated reset calls this.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("clear_all", "", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"records", "pending_operations", "kv", "leases"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return errors.NewStorageError("clear_all", table, err)
		}
	}
	return errors.NewStorageError("clear_all", "", tx.Commit())
}
