package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardengine-system/internal/decision"
	"github.com/mmeshcher/cardengine-system/internal/model"
	"github.com/mmeshcher/cardengine-system/internal/policy"
	"github.com/mmeshcher/cardengine-system/internal/repository"
)

// memRepo — репозиторий в памяти с той же CAS-семантикой, что и у PostgreSQL-реализации.
type memRepo struct {
	mu     sync.Mutex
	apps   map[string]model.CardApplication
	audits []string
}

func newMemRepo() *memRepo {
	return &memRepo{apps: make(map[string]model.CardApplication)}
}

func (m *memRepo) Close() error { return nil }

func blocksNewApplication(s model.ApplicationStatus) bool {
	switch s {
	case model.StatusCustomerDeclined, model.StatusRejected, model.StatusCancelled:
		return false
	}
	return true
}

func (m *memRepo) CreateApplication(ctx context.Context, app model.CardApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[app.ApplicationNo]; ok {
		return repository.ErrApplicationNoTaken
	}
	for _, existing := range m.apps {
		if existing.NationalID == app.NationalID && existing.CardType == app.CardType && blocksNewApplication(existing.Status) {
			return repository.ErrDuplicatePending
		}
	}
	m.apps[app.ApplicationNo] = app
	return nil
}

func (m *memRepo) GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.apps[applicationNo]
	if !ok {
		return nil, repository.ErrApplicationNotFound
	}
	return &app, nil
}

func (m *memRepo) GetActiveApplication(ctx context.Context, nationalID, cardType string) (*model.CardApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, app := range m.apps {
		if app.NationalID == nationalID && app.CardType == cardType && blocksNewApplication(app.Status) {
			return &app, nil
		}
	}
	return nil, repository.ErrApplicationNotFound
}

func (m *memRepo) GetApplicationsByNationalID(ctx context.Context, nationalID string) ([]model.CardApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.CardApplication
	for _, app := range m.apps {
		if app.NationalID == nationalID {
			res = append(res, app)
		}
	}
	return res, nil
}

func (m *memRepo) UpdateApplication(ctx context.Context, app model.CardApplication) (*model.CardApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.apps[app.ApplicationNo]
	if !ok {
		return nil, repository.ErrApplicationNotFound
	}
	if existing.Version != app.Version {
		return nil, repository.ErrConcurrentModification
	}

	app.Version++
	m.apps[app.ApplicationNo] = app
	return &app, nil
}

func (m *memRepo) LogAudit(ctx context.Context, nationalID, action string, details []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audits = append(m.audits, action)
	return nil
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()

	policies, err := policy.Load("")
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	return NewService(repo, policies, nil, nil, zap.NewNop())
}

func profile(nationalID, salary, liabilities, expenses string) decision.FinancialProfile {
	return decision.FinancialProfile{
		NationalID:  nationalID,
		Salary:      decimal.RequireFromString(salary),
		Liabilities: decimal.RequireFromString(liabilities),
		Expenses:    decimal.RequireFromString(expenses),
	}
}

func TestEvaluateCard_ApprovedFlow(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	res, err := svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}

	if res.Decision.Status != decision.StatusApproved {
		t.Fatalf("decision = %s, want approved", res.Decision.Status)
	}
	if !res.Decision.CreditLimit.Equal(decimal.NewFromInt(42000)) {
		t.Fatalf("credit limit = %s, want 42000", res.Decision.CreditLimit)
	}
	if !res.Trace.FinalCreditLimit.Equal(res.Decision.CreditLimit) {
		t.Fatalf("trace final = %s, decision limit = %s", res.Trace.FinalCreditLimit, res.Decision.CreditLimit)
	}
	if !res.Policy.MinLimit.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("policy min limit = %s, want 2000", res.Policy.MinLimit)
	}

	app := res.Application
	if app.Status != model.StatusPendingCustomer {
		t.Fatalf("status = %s, want %s", app.Status, model.StatusPendingCustomer)
	}
	if len(app.ApplicationNo) != 7 {
		t.Fatalf("application number %q must be 7 digits", app.ApplicationNo)
	}
	if n, err := strconv.Atoi(app.ApplicationNo); err != nil || n < 1000000 {
		t.Fatalf("application number %q must be numeric and >= 1000000", app.ApplicationNo)
	}
}

func TestEvaluateCard_DeclinedClosesApplication(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	res, err := svc.EvaluateCard(context.Background(), profile("1023456789", "3000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}

	if res.Decision.Status != decision.StatusDeclined {
		t.Fatalf("decision = %s, want declined", res.Decision.Status)
	}
	if res.Application.Status != model.StatusRejected {
		t.Fatalf("status = %s, want %s", res.Application.Status, model.StatusRejected)
	}

	// Отклонённая заявка не блокирует повторную подачу.
	_, err = svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("re-application after decline must succeed, got %v", err)
	}
}

func TestEvaluateCard_DuplicatePending(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	first, err := svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}

	_, err = svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if !errors.Is(err, repository.ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}

	var dup *DuplicatePendingError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatePendingError, got %T", err)
	}
	if dup.ApplicationNo != first.Application.ApplicationNo {
		t.Fatalf("duplicate reports %s, want %s", dup.ApplicationNo, first.Application.ApplicationNo)
	}
	if dup.Status != model.StatusPendingCustomer {
		t.Fatalf("duplicate status = %s, want %s", dup.Status, model.StatusPendingCustomer)
	}
}

func TestEvaluateCard_DifferentCardTypesDoNotConflict(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	ctx := context.Background()
	if _, err := svc.EvaluateCard(ctx, profile("1023456789", "10000", "2000", "1000"), "REWARD"); err != nil {
		t.Fatalf("REWARD application error: %v", err)
	}
	if _, err := svc.EvaluateCard(ctx, profile("1023456789", "10000", "2000", "1000"), "GOLD"); err != nil {
		t.Fatalf("GOLD application error: %v", err)
	}
}

func TestEvaluateCard_UnknownCardType(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	_, err := svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "0", "0"), "PLATINUM")
	if !errors.Is(err, policy.ErrUnknownCardType) {
		t.Fatalf("expected ErrUnknownCardType, got %v", err)
	}
}

func TestRecordCustomerDecision_AcceptThenDecline(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	res, err := svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}
	app := res.Application

	updated, err := svc.RecordCustomerDecision(context.Background(), app.ApplicationNo, model.DecisionAccepted, "I accept the offer")
	if err != nil {
		t.Fatalf("RecordCustomerDecision error: %v", err)
	}
	if updated.Status != model.StatusUnderAdminReview {
		t.Fatalf("status = %s, want %s", updated.Status, model.StatusUnderAdminReview)
	}
	if updated.CustomerDecision != model.DecisionAccepted {
		t.Fatalf("customer decision = %s, want %s", updated.CustomerDecision, model.DecisionAccepted)
	}

	// Заявка уже покинула PENDING_CUSTOMER_DECISION, второй вызов отклоняется.
	_, err = svc.RecordCustomerDecision(context.Background(), app.ApplicationNo, model.DecisionDeclined, "changed my mind")
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordCustomerDecision_Decline(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	res, err := svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}

	updated, err := svc.RecordCustomerDecision(context.Background(), res.Application.ApplicationNo, model.DecisionDeclined, "")
	if err != nil {
		t.Fatalf("RecordCustomerDecision error: %v", err)
	}
	if updated.Status != model.StatusCustomerDeclined {
		t.Fatalf("status = %s, want %s", updated.Status, model.StatusCustomerDeclined)
	}
}

func TestRecordCustomerDecision_UnknownApplication(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	_, err := svc.RecordCustomerDecision(context.Background(), "9999999", model.DecisionAccepted, "")
	if !errors.Is(err, repository.ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
}

func underReviewApplication(t *testing.T, repo *memRepo, svc *Service, nationalID string) *model.CardApplication {
	t.Helper()

	res, err := svc.EvaluateCard(context.Background(), profile(nationalID, "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}
	updated, err := svc.RecordCustomerDecision(context.Background(), res.Application.ApplicationNo, model.DecisionAccepted, "ok")
	if err != nil {
		t.Fatalf("RecordCustomerDecision error: %v", err)
	}
	return updated
}

func TestApplyAdminUpdate_Approve(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	app := underReviewApplication(t, repo, svc, "1023456789")

	before := time.Now()
	updated, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo:    app.ApplicationNo,
		NationalID:       app.NationalID,
		NewStatus:        model.StatusApproved,
		CardType:         "REWARD",
		CardLimit:        decimal.NewFromInt(40000),
		CustomerDecision: model.DecisionAccepted,
		NoteUser:         "admin01",
	})
	if err != nil {
		t.Fatalf("ApplyAdminUpdate error: %v", err)
	}

	if updated.Status != model.StatusApproved {
		t.Fatalf("status = %s, want %s", updated.Status, model.StatusApproved)
	}
	if !updated.CardLimit.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("card limit = %s, want 40000", updated.CardLimit)
	}
	if updated.StatusDate.Before(before) {
		t.Fatalf("status date must be stamped with the current time")
	}
	if updated.Remarks != "Card application submitted" {
		t.Fatalf("remarks = %q, want default remarks", updated.Remarks)
	}
}

func TestApplyAdminUpdate_InvalidStatusValue(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	app := underReviewApplication(t, repo, svc, "1023456789")

	_, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    app.NationalID,
		NewStatus:     "SHIPPED",
		NoteUser:      "admin01",
	})
	if !errors.Is(err, model.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestApplyAdminUpdate_TerminalStateRejectedWithoutOverride(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	app := underReviewApplication(t, repo, svc, "1023456789")

	if _, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    app.NationalID,
		NewStatus:     model.StatusRejected,
		NoteUser:      "admin01",
	}); err != nil {
		t.Fatalf("ApplyAdminUpdate error: %v", err)
	}

	// Повтор того же обновления из терминального состояния отклоняется, а не применяется.
	_, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    app.NationalID,
		NewStatus:     model.StatusRejected,
		NoteUser:      "admin01",
	})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyAdminUpdate_OverrideRequiresNote(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	app := underReviewApplication(t, repo, svc, "1023456789")

	if _, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    app.NationalID,
		NewStatus:     model.StatusApproved,
		NoteUser:      "admin01",
	}); err != nil {
		t.Fatalf("ApplyAdminUpdate error: %v", err)
	}

	_, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    app.NationalID,
		NewStatus:     model.StatusUnderAdminReview,
		NoteUser:      "admin02",
		Override:      true,
	})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("override without note must fail, got %v", err)
	}

	updated, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    app.NationalID,
		NewStatus:     model.StatusUnderAdminReview,
		NoteUser:      "admin02",
		Note:          "reopened for limit revision",
		Override:      true,
	})
	if err != nil {
		t.Fatalf("override with note error: %v", err)
	}
	if updated.Status != model.StatusUnderAdminReview {
		t.Fatalf("status = %s, want %s", updated.Status, model.StatusUnderAdminReview)
	}
}

func TestApplyAdminUpdate_NationalIDMismatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	app := underReviewApplication(t, repo, svc, "1023456789")

	_, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
		ApplicationNo: app.ApplicationNo,
		NationalID:    "2087654321",
		NewStatus:     model.StatusApproved,
		NoteUser:      "admin01",
	})
	if !errors.Is(err, repository.ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
}

// barrierRepo задерживает чтения, пока обе горутины не получат один и тот же снимок заявки.
type barrierRepo struct {
	*memRepo
	barrier sync.WaitGroup
}

func (b *barrierRepo) GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, error) {
	app, err := b.memRepo.GetApplication(ctx, applicationNo)
	b.barrier.Done()
	b.barrier.Wait()
	return app, err
}

func TestApplyAdminUpdate_ConcurrentLoserFails(t *testing.T) {
	inner := newMemRepo()
	svc := newTestService(t, inner)
	app := underReviewApplication(t, inner, svc, "1023456789")

	repo := &barrierRepo{memRepo: inner}
	repo.barrier.Add(2)
	svc = newTestService(t, repo)

	results := make(chan error, 2)
	for _, status := range []model.ApplicationStatus{model.StatusApproved, model.StatusRejected} {
		go func(newStatus model.ApplicationStatus) {
			_, err := svc.ApplyAdminUpdate(context.Background(), AdminUpdate{
				ApplicationNo: app.ApplicationNo,
				NationalID:    app.NationalID,
				NewStatus:     newStatus,
				NoteUser:      "admin01",
			})
			results <- err
		}(status)
	}

	var succeeded, conflicted int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrConcurrentModification):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("succeeded = %d, conflicted = %d, want exactly one of each", succeeded, conflicted)
	}
}

func TestGetApplication_NotFound(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	_, err := svc.GetApplication(context.Background(), "1234567")
	if !errors.Is(err, repository.ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
}

func TestAuditTrailRecorded(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	res, err := svc.EvaluateCard(context.Background(), profile("1023456789", "10000", "2000", "1000"), "REWARD")
	if err != nil {
		t.Fatalf("EvaluateCard error: %v", err)
	}
	if _, err := svc.RecordCustomerDecision(context.Background(), res.Application.ApplicationNo, model.DecisionAccepted, ""); err != nil {
		t.Fatalf("RecordCustomerDecision error: %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.audits) != 2 {
		t.Fatalf("audit records = %d, want 2: %v", len(repo.audits), repo.audits)
	}
	if repo.audits[0] != "Card Decision Approved" || repo.audits[1] != "Customer Decision Recorded" {
		t.Fatalf("unexpected audit actions: %v", repo.audits)
	}
}
