package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"meeting-taskflow/internal/config"
)

// ErrNotFound is returned for unknown transcript or task ids.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTask is returned when an update carries a bad field value.
var ErrInvalidTask = errors.New("invalid task")

// sqlitePragmas lets concurrent request handlers write without SQLITE_BUSY.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// Store is the gorm-backed persistence gateway.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(settings config.DatabaseSettings, logger *slog.Logger) (*Store, error) {
	dialector, err := dialectorFor(settings)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", settings.Driver, err)
	}
	if err := db.AutoMigrate(&Transcript{}, &Task{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func dialectorFor(settings config.DatabaseSettings) (gorm.Dialector, error) {
	switch settings.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(settings.DSN); dir != "." && !strings.HasPrefix(settings.DSN, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		return sqlite.Open(sqliteDSN(settings.DSN)), nil
	case config.DriverPostgres:
		return postgres.Open(settings.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", settings.Driver)
	}
}

// sqliteDSN appends connection pragmas unless the caller already set some.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	params := lo.Map(sqlitePragmas, func(p string, _ int) string { return "_pragma=" + p })
	return dsn + sep + strings.Join(params, "&")
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTranscript stores one transcript.
func (s *Store) CreateTranscript(ctx context.Context, content string) (Transcript, error) {
	transcript := Transcript{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&transcript).Error; err != nil {
		return Transcript{}, fmt.Errorf("create transcript: %w", err)
	}
	return transcript, nil
}

// GetTranscript loads one transcript by id.
func (s *Store) GetTranscript(ctx context.Context, id string) (Transcript, error) {
	var transcript Transcript
	err := s.db.WithContext(ctx).First(&transcript, "id = ?", id).Error
	if err != nil {
		return Transcript{}, notFound(err, "transcript", id)
	}
	return transcript, nil
}

// CreateTask stores one task linked to transcriptID, which may be empty.
func (s *Store) CreateTask(ctx context.Context, title, transcriptID string) (Task, error) {
	task := s.newTask(title, transcriptID, s.now().UTC())
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// CreateTasks stores every title in one transaction, keeping input order.
func (s *Store) CreateTasks(ctx context.Context, titles []string, transcriptID string) ([]Task, error) {
	if len(titles) == 0 {
		return []Task{}, nil
	}

	// Later titles get later timestamps so newest-first listing is stable.
	base := s.now().UTC()
	tasks := lo.Map(titles, func(title string, i int) Task {
		return s.newTask(title, transcriptID, base.Add(time.Duration(i)*time.Microsecond))
	})

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&tasks).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create %d tasks: %w", len(tasks), err)
	}
	return tasks, nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	tasks := []Task{}
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return Task{}, notFound(err, "task", id)
	}
	return task, nil
}

// UpdateTask applies the non-nil fields of update and returns the stored task.
func (s *Store) UpdateTask(ctx context.Context, id string, update TaskUpdate) (Task, error) {
	changes, err := update.changes()
	if err != nil {
		return Task{}, err
	}

	var task Task
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			return notFound(err, "task", id)
		}
		if len(changes) == 0 {
			return nil
		}
		changes["updated_at"] = s.now().UTC()
		if err := tx.Model(&task).Updates(changes).Error; err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		return tx.First(&task, "id = ?", id).Error
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// DeleteTask removes one task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Task{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) newTask(title, transcriptID string, createdAt time.Time) Task {
	task := Task{
		ID:        uuid.NewString(),
		Title:     title,
		Assignee:  assigneeFromTitle(title),
		DueDate:   DefaultDueDate,
		Category:  DefaultCategory,
		Priority:  PriorityMedium,
		Status:    TaskStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if transcriptID != "" {
		task.TranscriptID = lo.ToPtr(transcriptID)
	}
	return task
}

// changes converts an update into a column map, validating enum fields.
func (u TaskUpdate) changes() (map[string]any, error) {
	changes := map[string]any{}
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title must not be empty", ErrInvalidTask)
		}
		changes["title"] = title
	}
	if u.Assignee != nil {
		changes["assignee"] = strings.TrimSpace(*u.Assignee)
	}
	if u.DueDate != nil {
		changes["due_date"] = strings.TrimSpace(*u.DueDate)
	}
	if u.Category != nil {
		changes["category"] = strings.TrimSpace(*u.Category)
	}
	if u.Priority != nil {
		if !u.Priority.Valid() {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, *u.Priority)
		}
		changes["priority"] = *u.Priority
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, *u.Status)
		}
		changes["status"] = *u.Status
	}
	return changes, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

// NewStoreForTests allows clock injection over an opened store.
func NewStoreForTests(s *Store, now func() time.Time) *Store {
	return &Store{db: s.db, now: now}
}
