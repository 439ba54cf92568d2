// Package handler содержит HTTP-обработчики API движка карточных решений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cardengine-system/internal/decision"
	"github.com/mmeshcher/cardengine-system/internal/middleware"
	"github.com/mmeshcher/cardengine-system/internal/model"
	"github.com/mmeshcher/cardengine-system/internal/policy"
	"github.com/mmeshcher/cardengine-system/internal/repository"
	"github.com/mmeshcher/cardengine-system/internal/service"
)

// Денежные поля ответов сериализуются числами, как в контракте API.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

const statusDateLayout = "2006-01-02 15:04:05"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EvaluateCard(ctx context.Context, profile decision.FinancialProfile, cardType string) (*service.EvaluationResult, error)
	RecordCustomerDecision(ctx context.Context, applicationNo string, customerDecision model.CustomerDecision, note string) (*model.CardApplication, error)
	ApplyAdminUpdate(ctx context.Context, upd service.AdminUpdate) (*model.CardApplication, error)
	GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, error)
	GetApplicationsByNationalID(ctx context.Context, nationalID string) ([]model.CardApplication, error)
}

// Handler реализует HTTP-обработчики API движка карточных решений.
type Handler struct {
	service   Service
	logger    *zap.Logger
	identity  *middleware.IdentityMiddleware
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, identity *middleware.IdentityMiddleware, adminAuth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		identity:  identity,
		adminAuth: adminAuth,
	}
}

type errorResponse struct {
	Status        string   `json:"status"`
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	MessageAr     string   `json:"message_ar,omitempty"`
	ApplicationNo string   `json:"application_no,omitempty"`
	CurrentStatus string   `json:"current_status,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, resp errorResponse) {
	resp.Status = "error"
	writeJSON(w, statusCode, resp)
}

// writeDomainError переводит доменные ошибки в структурированный ответ со стабильным кодом.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var dup *service.DuplicatePendingError
	switch {
	case errors.As(err, &dup):
		writeError(w, http.StatusConflict, errorResponse{
			Code:          "ACTIVE_APPLICATION_EXISTS",
			Message:       "You have an active card application. Please check your application status.",
			MessageAr:     "لديك طلب بطاقة نشط. يرجى التحقق من حالة طلبك.",
			ApplicationNo: dup.ApplicationNo,
			CurrentStatus: string(dup.Status),
		})
	case errors.Is(err, decision.ErrInvalidInput), errors.Is(err, policy.ErrUnknownCardType):
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  []string{err.Error()},
		})
	case errors.Is(err, repository.ErrApplicationNotFound):
		writeError(w, http.StatusNotFound, errorResponse{
			Code:    "APPLICATION_NOT_FOUND",
			Message: "Card application not found",
		})
	case errors.Is(err, model.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "INVALID_STATUS",
			Message: "Requested status is not a recognized value",
		})
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, errorResponse{
			Code:    "INVALID_TRANSITION",
			Message: "Requested status transition is not allowed",
		})
	case errors.Is(err, repository.ErrConcurrentModification):
		writeError(w, http.StatusConflict, errorResponse{
			Code:    "CONCURRENT_MODIFICATION",
			Message: "Application was modified by a concurrent request, please retry",
		})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{
			Code:    "SYSTEM_ERROR",
			Message: "Internal server error",
		})
	}
}

type cardDecisionRequest struct {
	NationalID  string          `json:"national_id"`
	Salary      decimal.Decimal `json:"salary"`
	Liabilities decimal.Decimal `json:"liabilities"`
	Expenses    decimal.Decimal `json:"expenses"`
	CardType    string          `json:"card_type"`
}

type decisionDebug struct {
	Salary                  decimal.Decimal `json:"salary"`
	Liabilities             decimal.Decimal `json:"liabilities"`
	Expenses                decimal.Decimal `json:"expenses"`
	MaxCreditLimit          decimal.Decimal `json:"max_credit_limit"`
	MonthlyDBR              decimal.Decimal `json:"monthly_dbr"`
	AvailableMonthly        decimal.Decimal `json:"available_monthly"`
	PaymentCapacity         decimal.Decimal `json:"payment_capacity"`
	CreditLimitFromCapacity decimal.Decimal `json:"credit_limit_from_capacity"`
	FinalCreditLimit        decimal.Decimal `json:"final_credit_limit"`
}

type cardDecisionResponse struct {
	Status            string          `json:"status"`
	Decision          string          `json:"decision"`
	CreditLimit       decimal.Decimal `json:"credit_limit"`
	MinCreditLimit    decimal.Decimal `json:"min_credit_limit"`
	MaxCreditLimit    decimal.Decimal `json:"max_credit_limit"`
	ApplicationNumber string          `json:"application_number"`
	CardType          string          `json:"card_type"`
	Debug             decisionDebug   `json:"debug"`
}

// CardDecision вычисляет решение по кредитному лимиту и создаёт заявку.
func (h *Handler) CardDecision(w http.ResponseWriter, r *http.Request) {
	nationalID, ok := middleware.GetNationalIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cardDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  []string{"malformed request body"},
		})
		return
	}

	var fieldErrors []string
	if strings.TrimSpace(req.NationalID) == "" {
		fieldErrors = append(fieldErrors, "national_id is required")
	}
	if strings.TrimSpace(req.CardType) == "" {
		fieldErrors = append(fieldErrors, "card_type is required")
	}
	if len(fieldErrors) > 0 {
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  fieldErrors,
		})
		return
	}

	if req.NationalID != nationalID {
		writeError(w, http.StatusForbidden, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "National ID does not match the authenticated identity",
		})
		return
	}

	profile := decision.FinancialProfile{
		NationalID:  req.NationalID,
		Salary:      req.Salary,
		Liabilities: req.Liabilities,
		Expenses:    req.Expenses,
	}

	res, err := h.service.EvaluateCard(r.Context(), profile, req.CardType)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cardDecisionResponse{
		Status:            "success",
		Decision:          string(res.Decision.Status),
		CreditLimit:       res.Decision.CreditLimit,
		MinCreditLimit:    res.Policy.MinLimit,
		MaxCreditLimit:    res.Policy.MaxLimit,
		ApplicationNumber: res.Application.ApplicationNo,
		CardType:          res.Application.CardType,
		Debug: decisionDebug{
			Salary:                  res.Trace.Salary,
			Liabilities:             res.Trace.Liabilities,
			Expenses:                res.Trace.Expenses,
			MaxCreditLimit:          res.Trace.MaxCreditLimit,
			MonthlyDBR:              res.Trace.MonthlyDBR,
			AvailableMonthly:        res.Trace.AvailableMonthly,
			PaymentCapacity:         res.Trace.PaymentCapacity,
			CreditLimitFromCapacity: res.Trace.CreditLimitFromCapacity,
			FinalCreditLimit:        res.Trace.FinalCreditLimit,
		},
	})
}

type cardDetails struct {
	ApplicationNo    string          `json:"application_no"`
	NationalID       string          `json:"national_id"`
	CardType         string          `json:"card_type"`
	CardLimit        decimal.Decimal `json:"card_limit"`
	Status           string          `json:"status"`
	StatusDate       string          `json:"status_date"`
	CustomerDecision string          `json:"customerDecision"`
	NoteUser         string          `json:"noteUser"`
}

func toCardDetails(app *model.CardApplication) cardDetails {
	return cardDetails{
		ApplicationNo:    app.ApplicationNo,
		NationalID:       app.NationalID,
		CardType:         app.CardType,
		CardLimit:        app.CardLimit,
		Status:           string(app.Status),
		StatusDate:       app.StatusDate.Format(statusDateLayout),
		CustomerDecision: string(app.CustomerDecision),
		NoteUser:         app.NoteUser,
	}
}

type customerDecisionRequest struct {
	ApplicationNumber string `json:"application_number"`
	Decision          string `json:"decision"`
	Note              string `json:"note"`
}

type cardApplicationResponse struct {
	Status      string      `json:"status"`
	Message     string      `json:"message"`
	CardDetails cardDetails `json:"card_details"`
}

// CustomerDecision записывает решение клиента по заявке: accept или decline.
func (h *Handler) CustomerDecision(w http.ResponseWriter, r *http.Request) {
	nationalID, ok := middleware.GetNationalIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req customerDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  []string{"malformed request body"},
		})
		return
	}

	var customerDecision model.CustomerDecision
	switch strings.ToLower(req.Decision) {
	case "accept":
		customerDecision = model.DecisionAccepted
	case "decline":
		customerDecision = model.DecisionDeclined
	default:
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  []string{"decision must be accept or decline"},
		})
		return
	}

	app, err := h.service.GetApplication(r.Context(), req.ApplicationNumber)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if app.NationalID != nationalID {
		writeError(w, http.StatusNotFound, errorResponse{
			Code:    "APPLICATION_NOT_FOUND",
			Message: "Card application not found",
		})
		return
	}

	updated, err := h.service.RecordCustomerDecision(r.Context(), req.ApplicationNumber, customerDecision, req.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cardApplicationResponse{
		Status:      "success",
		Message:     "Customer decision recorded successfully",
		CardDetails: toCardDetails(updated),
	})
}

type adminUpdateRequest struct {
	NationalID        string          `json:"national_id"`
	CardType          string          `json:"card_type"`
	CardLimit         decimal.Decimal `json:"card_limit"`
	Status            string          `json:"status"`
	CustomerDecision  string          `json:"customerDecision"`
	NoteUser          string          `json:"noteUser"`
	ApplicationNumber string          `json:"application_number"`
	Remarks           string          `json:"remarks"`
	Note              string          `json:"note"`
	Override          bool            `json:"override"`
}

// UpdateCardApplication применяет административное изменение заявки.
func (h *Handler) UpdateCardApplication(w http.ResponseWriter, r *http.Request) {
	var req adminUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  []string{"malformed request body"},
		})
		return
	}

	var fieldErrors []string
	if strings.TrimSpace(req.NationalID) == "" {
		fieldErrors = append(fieldErrors, "national_id is required")
	}
	if strings.TrimSpace(req.ApplicationNumber) == "" {
		fieldErrors = append(fieldErrors, "application_number is required")
	}
	if strings.TrimSpace(req.Status) == "" {
		fieldErrors = append(fieldErrors, "status is required")
	}
	if strings.TrimSpace(req.NoteUser) == "" {
		fieldErrors = append(fieldErrors, "noteUser is required")
	}
	if len(fieldErrors) > 0 {
		writeError(w, http.StatusBadRequest, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input data",
			Errors:  fieldErrors,
		})
		return
	}

	updated, err := h.service.ApplyAdminUpdate(r.Context(), service.AdminUpdate{
		ApplicationNo:    req.ApplicationNumber,
		NationalID:       req.NationalID,
		NewStatus:        model.ApplicationStatus(req.Status),
		CardType:         req.CardType,
		CardLimit:        req.CardLimit,
		CustomerDecision: model.CustomerDecision(req.CustomerDecision),
		NoteUser:         req.NoteUser,
		Note:             req.Note,
		Remarks:          req.Remarks,
		Override:         req.Override,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cardApplicationResponse{
		Status:      "success",
		Message:     "Card application saved successfully",
		CardDetails: toCardDetails(updated),
	})
}

// GetApplication возвращает текущее состояние заявки её владельцу.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	nationalID, ok := middleware.GetNationalIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	applicationNo := chi.URLParam(r, "applicationNo")

	app, err := h.service.GetApplication(r.Context(), applicationNo)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	// Чужая заявка неотличима от несуществующей.
	if app.NationalID != nationalID {
		writeError(w, http.StatusNotFound, errorResponse{
			Code:    "APPLICATION_NOT_FOUND",
			Message: "Card application not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, cardApplicationResponse{
		Status:      "success",
		Message:     "Card application found",
		CardDetails: toCardDetails(app),
	})
}

type applicationListResponse struct {
	Status       string        `json:"status"`
	Applications []cardDetails `json:"applications"`
}

// GetApplications возвращает все заявки аутентифицированного клиента.
func (h *Handler) GetApplications(w http.ResponseWriter, r *http.Request) {
	nationalID, ok := middleware.GetNationalIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	apps, err := h.service.GetApplicationsByNationalID(r.Context(), nationalID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if len(apps) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	details := make([]cardDetails, 0, len(apps))
	for i := range apps {
		details = append(details, toCardDetails(&apps[i]))
	}

	writeJSON(w, http.StatusOK, applicationListResponse{
		Status:       "success",
		Applications: details,
	})
}
