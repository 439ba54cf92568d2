// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardengine-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicatePending возвращается при попытке создать заявку, пока у пары
// (national id, card type) есть незавершённая заявка.
var (
	ErrDuplicatePending = errors.New("pending application already exists")
	// ErrApplicationNotFound возвращается, если заявка с указанным номером не найдена.
	ErrApplicationNotFound = errors.New("application not found")
	// ErrConcurrentModification возвращается, если заявка была изменена параллельным запросом.
	ErrConcurrentModification = errors.New("application modified concurrently")
	// ErrApplicationNoTaken возвращается при коллизии сгенерированного номера заявки.
	ErrApplicationNoTaken = errors.New("application number already taken")
)

// PostgresRepository предоставляет доступ к хранилищу заявок в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках: сериализация, дедлок, обрыв соединения.
// Применяется только к операциям, безопасным для повтора.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateApplication сохраняет новую заявку. Частичный уникальный индекс по активным
// заявкам гарантирует отсутствие второй незавершённой заявки у той же пары
// (national id, card type) даже при параллельных запросах.
func (r *PostgresRepository) CreateApplication(ctx context.Context, app model.CardApplication) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO card_applications
		     (application_no, national_id, card_type, card_limit, status, status_date,
		      customer_decision, note_user, note, remarks, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`,
		app.ApplicationNo, app.NationalID, app.CardType, app.CardLimit,
		string(app.Status), app.StatusDate,
		string(app.CustomerDecision), app.NoteUser, app.Note, app.Remarks,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "card_applications_pkey" {
				return fmt.Errorf("%w: %s", ErrApplicationNoTaken, app.ApplicationNo)
			}
			return fmt.Errorf("%w: national_id %s, card_type %s", ErrDuplicatePending, app.NationalID, app.CardType)
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// GetApplication возвращает заявку по её номеру.
func (r *PostgresRepository) GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, error) {
	var app *model.CardApplication

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT application_no, national_id, card_type, card_limit, status, status_date,
			        customer_decision, note_user, note, remarks, version, created_at
			 FROM card_applications
			 WHERE application_no = $1`,
			applicationNo,
		)

		a, err := scanApplication(row)
		if err != nil {
			return err
		}
		app = a
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationNo)
		}
		return nil, fmt.Errorf("get application: %w", err)
	}

	return app, nil
}

// GetActiveApplication возвращает незавершённую заявку пары (national id, card type), если она есть.
func (r *PostgresRepository) GetActiveApplication(ctx context.Context, nationalID, cardType string) (*model.CardApplication, error) {
	var app *model.CardApplication

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT application_no, national_id, card_type, card_limit, status, status_date,
			        customer_decision, note_user, note, remarks, version, created_at
			 FROM card_applications
			 WHERE national_id = $1 AND card_type = $2
			   AND status NOT IN ($3, $4, $5)`,
			nationalID, cardType,
			string(model.StatusCustomerDeclined), string(model.StatusRejected), string(model.StatusCancelled),
		)

		a, err := scanApplication(row)
		if err != nil {
			return err
		}
		app = a
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: national_id %s, card_type %s", ErrApplicationNotFound, nationalID, cardType)
		}
		return nil, fmt.Errorf("get active application: %w", err)
	}

	return app, nil
}

// GetApplicationsByNationalID возвращает все заявки клиента, новые первыми.
func (r *PostgresRepository) GetApplicationsByNationalID(ctx context.Context, nationalID string) ([]model.CardApplication, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT application_no, national_id, card_type, card_limit, status, status_date,
		        customer_decision, note_user, note, remarks, version, created_at
		 FROM card_applications
		 WHERE national_id = $1
		 ORDER BY created_at DESC`,
		nationalID,
	)
	if err != nil {
		return nil, fmt.Errorf("select applications: %w", err)
	}
	defer rows.Close()

	var apps []model.CardApplication
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return apps, nil
}

// UpdateApplication применяет изменение заявки через compare-and-swap по полю version.
// Проигравший из двух параллельных обновлений получает ErrConcurrentModification.
func (r *PostgresRepository) UpdateApplication(ctx context.Context, app model.CardApplication) (*model.CardApplication, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE card_applications
		 SET card_type = $3,
		     card_limit = $4,
		     status = $5,
		     status_date = $6,
		     customer_decision = $7,
		     note_user = $8,
		     note = $9,
		     remarks = $10,
		     version = version + 1
		 WHERE application_no = $1 AND version = $2
		 RETURNING application_no, national_id, card_type, card_limit, status, status_date,
		           customer_decision, note_user, note, remarks, version, created_at`,
		app.ApplicationNo, app.Version,
		app.CardType, app.CardLimit, string(app.Status), app.StatusDate,
		string(app.CustomerDecision), app.NoteUser, app.Note, app.Remarks,
	)

	updated, err := scanApplication(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update application: %w", err)
	}

	// Либо заявки нет, либо версия устарела.
	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM card_applications WHERE application_no = $1)`,
		app.ApplicationNo,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check application: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, app.ApplicationNo)
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, app.ApplicationNo)
}

// LogAudit сохраняет запись аудита. Ошибка записи аудита не должна ронять запрос вызывающего.
func (r *PostgresRepository) LogAudit(ctx context.Context, nationalID, action string, details []byte) error {
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO audit_logs (national_id, action, details) VALUES ($1, $2, $3)`,
			nationalID, action, details,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func scanApplication(row pgx.Row) (*model.CardApplication, error) {
	var (
		a         model.CardApplication
		cardLimit decimal.Decimal
		status    string
		decision  string
	)

	err := row.Scan(&a.ApplicationNo, &a.NationalID, &a.CardType, &cardLimit, &status, &a.StatusDate,
		&decision, &a.NoteUser, &a.Note, &a.Remarks, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	a.CardLimit = cardLimit
	a.Status = model.ApplicationStatus(status)
	a.CustomerDecision = model.CustomerDecision(decision)

	return &a, nil
}
