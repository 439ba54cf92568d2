// Package service реализует управление жизненным циклом заявок на карты.
package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardengine-system/internal/decision"
	"github.com/mmeshcher/cardengine-system/internal/model"
	"github.com/mmeshcher/cardengine-system/internal/notification"
	"github.com/mmeshcher/cardengine-system/internal/policy"
	"github.com/mmeshcher/cardengine-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateApplication(ctx context.Context, app model.CardApplication) error
	GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, error)
	GetActiveApplication(ctx context.Context, nationalID, cardType string) (*model.CardApplication, error)
	GetApplicationsByNationalID(ctx context.Context, nationalID string) ([]model.CardApplication, error)
	UpdateApplication(ctx context.Context, app model.CardApplication) (*model.CardApplication, error)
	LogAudit(ctx context.Context, nationalID, action string, details []byte) error
}

// DuplicatePendingError сообщает о существующей незавершённой заявке и её текущем статусе.
type DuplicatePendingError struct {
	ApplicationNo string
	Status        model.ApplicationStatus
}

func (e *DuplicatePendingError) Error() string {
	return fmt.Sprintf("pending application already exists: %s (%s)", e.ApplicationNo, e.Status)
}

// Unwrap позволяет сопоставлять ошибку с repository.ErrDuplicatePending через errors.Is.
func (e *DuplicatePendingError) Unwrap() error {
	return repository.ErrDuplicatePending
}

// AdminUpdate описывает административное изменение заявки.
type AdminUpdate struct {
	ApplicationNo    string
	NationalID       string
	NewStatus        model.ApplicationStatus
	CardType         string
	CardLimit        decimal.Decimal
	CustomerDecision model.CustomerDecision
	NoteUser         string
	Note             string
	Remarks          string
	Override         bool
}

// Service содержит бизнес-логику движка карточных решений.
type Service struct {
	repo     Repository
	policies *policy.Set
	notifier *notification.Client
	cache    *repository.Cache
	logger   *zap.Logger
}

// NewService создаёт сервис с указанным репозиторием, набором политик и опциональными
// клиентом уведомлений и кэшем.
func NewService(repo Repository, policies *policy.Set, notifier *notification.Client, cache *repository.Cache, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		policies: policies,
		notifier: notifier,
		cache:    cache,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EvaluationResult объединяет созданную заявку, решение, трассировку расчёта
// и применённую политику.
type EvaluationResult struct {
	Application *model.CardApplication
	Decision    decision.Decision
	Trace       decision.Trace
	Policy      policy.Policy
}

// EvaluateCard вычисляет решение по профилю, создаёт заявку и возвращает её вместе
// с решением и полной трассировкой расчёта.
func (s *Service) EvaluateCard(ctx context.Context, profile decision.FinancialProfile, cardType string) (*EvaluationResult, error) {
	pol, err := s.policies.Lookup(cardType)
	if err != nil {
		return nil, err
	}

	// Проверка активной заявки до расчёта. Гонку двух одновременных запросов
	// закрывает частичный уникальный индекс при вставке.
	if active, err := s.repo.GetActiveApplication(ctx, profile.NationalID, pol.CardType); err == nil {
		s.audit(ctx, profile.NationalID, "Card Decision Failed", map[string]any{
			"reason":         "active application exists",
			"application_no": active.ApplicationNo,
			"status":         active.Status,
		})
		return nil, &DuplicatePendingError{
			ApplicationNo: active.ApplicationNo,
			Status:        active.Status,
		}
	} else if !errors.Is(err, repository.ErrApplicationNotFound) {
		return nil, err
	}

	dec, trace, err := decision.Evaluate(profile, pol)
	if err != nil {
		s.audit(ctx, profile.NationalID, "Card Decision Failed", map[string]any{
			"reason": err.Error(),
		})
		return nil, err
	}

	now := time.Now()
	app := model.CardApplication{
		NationalID: profile.NationalID,
		CardType:   pol.CardType,
		CardLimit:  dec.CreditLimit,
		Status:     model.StatusCreated,
		StatusDate: now,
		Version:    1,
		CreatedAt:  now,
	}

	if err := s.createWithFreshNumber(ctx, &app); err != nil {
		if errors.Is(err, repository.ErrDuplicatePending) {
			if active, lookupErr := s.repo.GetActiveApplication(ctx, profile.NationalID, pol.CardType); lookupErr == nil {
				return nil, &DuplicatePendingError{
					ApplicationNo: active.ApplicationNo,
					Status:        active.Status,
				}
			}
		}
		return nil, err
	}

	// Рекомендация возвращается клиенту синхронно, поэтому одобренная заявка сразу
	// переходит в ожидание решения клиента. Отклонённая закрывается, чтобы не
	// блокировать повторную подачу.
	next := model.StatusPendingCustomer
	action := "Card Decision Approved"
	if dec.Status == decision.StatusDeclined {
		next = model.StatusRejected
		action = "Card Decision Declined"
		app.Remarks = "Declined by policy: no payment capacity"
	}

	app.Status = next
	app.StatusDate = time.Now()

	updated, err := s.repo.UpdateApplication(ctx, app)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, profile.NationalID, action, map[string]any{
		"application_no": updated.ApplicationNo,
		"card_type":      updated.CardType,
		"credit_limit":   dec.CreditLimit,
		"trace":          trace,
	})
	s.notifyStatusChange(updated)

	return &EvaluationResult{
		Application: updated,
		Decision:    dec,
		Trace:       trace,
		Policy:      pol,
	}, nil
}

// createWithFreshNumber вставляет заявку, перегенерируя номер при коллизии.
func (s *Service) createWithFreshNumber(ctx context.Context, app *model.CardApplication) error {
	for attempt := 0; attempt < 5; attempt++ {
		no, err := generateApplicationNumber()
		if err != nil {
			return err
		}
		app.ApplicationNo = no

		err = s.repo.CreateApplication(ctx, *app)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrApplicationNoTaken) {
			continue
		}
		return err
	}
	return errors.New("failed to allocate application number")
}

// generateApplicationNumber выдаёт случайный семизначный номер заявки.
func generateApplicationNumber() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate application number: %w", err)
	}
	n := int64(binary.BigEndian.Uint32(b[:]))%9000000 + 1000000
	return strconv.FormatInt(n, 10), nil
}

// RecordCustomerDecision применяет решение клиента по заявке: принятие переводит её
// на административную проверку, отказ закрывает заявку.
func (s *Service) RecordCustomerDecision(ctx context.Context, applicationNo string, customerDecision model.CustomerDecision, note string) (*model.CardApplication, error) {
	app, err := s.repo.GetApplication(ctx, applicationNo)
	if err != nil {
		return nil, err
	}

	if app.Status != model.StatusPendingCustomer {
		return nil, fmt.Errorf("%w: customer decision from %s", model.ErrInvalidTransition, app.Status)
	}

	switch customerDecision {
	case model.DecisionAccepted:
		app.Status = model.StatusUnderAdminReview
	case model.DecisionDeclined:
		app.Status = model.StatusCustomerDeclined
	default:
		return nil, fmt.Errorf("%w: unknown customer decision %q", model.ErrInvalidStatus, customerDecision)
	}

	app.CustomerDecision = customerDecision
	app.Note = note
	app.StatusDate = time.Now()

	updated, err := s.repo.UpdateApplication(ctx, *app)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, applicationNo)
	s.audit(ctx, app.NationalID, "Customer Decision Recorded", map[string]any{
		"application_no": applicationNo,
		"decision":       customerDecision,
		"status":         updated.Status,
	})
	s.notifyStatusChange(updated)

	return updated, nil
}

// ApplyAdminUpdate применяет административное изменение заявки. Обычный поток разрешён
// только из UNDER_ADMIN_REVIEW; из APPROVED и REJECTED — только явный override с заметкой.
func (s *Service) ApplyAdminUpdate(ctx context.Context, upd AdminUpdate) (*model.CardApplication, error) {
	if _, err := model.ParseStatus(string(upd.NewStatus)); err != nil {
		return nil, err
	}

	app, err := s.repo.GetApplication(ctx, upd.ApplicationNo)
	if err != nil {
		return nil, err
	}
	if app.NationalID != upd.NationalID {
		return nil, fmt.Errorf("%w: %s", repository.ErrApplicationNotFound, upd.ApplicationNo)
	}

	switch {
	case app.Status == model.StatusUnderAdminReview && model.CanTransition(app.Status, upd.NewStatus):
	case upd.Override && model.CanOverride(app.Status) && upd.NewStatus != app.Status:
		if upd.Note == "" {
			return nil, fmt.Errorf("%w: override requires a note", model.ErrInvalidTransition)
		}
	default:
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, app.Status, upd.NewStatus)
	}

	if upd.CardType != "" {
		pol, err := s.policies.Lookup(upd.CardType)
		if err != nil {
			return nil, err
		}
		app.CardType = pol.CardType
	}
	if !upd.CardLimit.IsZero() {
		if upd.CardLimit.IsNegative() {
			return nil, fmt.Errorf("%w: card limit must be non-negative", decision.ErrInvalidInput)
		}
		app.CardLimit = upd.CardLimit
	}
	if upd.CustomerDecision != model.DecisionNone {
		app.CustomerDecision = upd.CustomerDecision
	}

	app.Status = upd.NewStatus
	app.StatusDate = time.Now()
	app.NoteUser = upd.NoteUser
	if upd.Note != "" {
		app.Note = upd.Note
	}
	app.Remarks = upd.Remarks
	if app.Remarks == "" {
		app.Remarks = "Card application submitted"
	}

	updated, err := s.repo.UpdateApplication(ctx, *app)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, upd.ApplicationNo)
	s.audit(ctx, app.NationalID, "Card Application Updated", map[string]any{
		"application_no": upd.ApplicationNo,
		"status":         updated.Status,
		"override":       upd.Override,
		"note_user":      upd.NoteUser,
	})
	s.notifyStatusChange(updated)

	return updated, nil
}

// GetApplication возвращает заявку по номеру, используя кэш при наличии.
func (s *Service) GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, error) {
	if s.cache != nil {
		if app, ok := s.cache.GetApplication(ctx, applicationNo); ok {
			return app, nil
		}
	}

	app, err := s.repo.GetApplication(ctx, applicationNo)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetApplication(ctx, app)
	}
	return app, nil
}

// GetApplicationsByNationalID возвращает все заявки клиента.
func (s *Service) GetApplicationsByNationalID(ctx context.Context, nationalID string) ([]model.CardApplication, error) {
	return s.repo.GetApplicationsByNationalID(ctx, nationalID)
}

func (s *Service) invalidate(ctx context.Context, applicationNo string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, applicationNo)
	}
}

// audit пишет запись аудита. Сбой аудита логируется, но не прерывает запрос.
func (s *Service) audit(ctx context.Context, nationalID, action string, details map[string]any) {
	data, err := json.Marshal(details)
	if err != nil {
		data = nil
	}
	if err := s.repo.LogAudit(ctx, nationalID, action, data); err != nil && s.logger != nil {
		s.logger.Error("audit log error", zap.Error(err), zap.String("action", action))
	}
}

// notifyStatusChange отправляет уведомление о смене статуса, не дожидаясь результата.
func (s *Service) notifyStatusChange(app *model.CardApplication) {
	if s.notifier == nil {
		return
	}

	event := notification.StatusChange{
		NationalID:    app.NationalID,
		ApplicationNo: app.ApplicationNo,
		CardType:      app.CardType,
		Status:        string(app.Status),
		StatusDate:    app.StatusDate.Format("2006-01-02 15:04:05"),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.notifier.NotifyStatusChange(ctx, event); err != nil && s.logger != nil {
			s.logger.Warn("status notification error", zap.Error(err), zap.String("application_no", app.ApplicationNo))
		}
	}()
}
