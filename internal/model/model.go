// Package model содержит доменные сущности движка карточных решений.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition возвращается при попытке перевести заявку в состояние, запрещённое машиной состояний.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidStatus возвращается, если запрошенный статус не является распознанным значением.
	ErrInvalidStatus = errors.New("invalid application status")
)

// ApplicationStatus описывает статус заявки на карту.
type ApplicationStatus string

const (
	StatusCreated          ApplicationStatus = "CREATED"
	StatusPendingCustomer  ApplicationStatus = "PENDING_CUSTOMER_DECISION"
	StatusCustomerAccepted ApplicationStatus = "CUSTOMER_ACCEPTED"
	StatusCustomerDeclined ApplicationStatus = "CUSTOMER_DECLINED"
	StatusUnderAdminReview ApplicationStatus = "UNDER_ADMIN_REVIEW"
	StatusApproved         ApplicationStatus = "APPROVED"
	StatusRejected         ApplicationStatus = "REJECTED"
	StatusCancelled        ApplicationStatus = "CANCELLED"
)

// CustomerDecision описывает решение клиента по предложенному лимиту.
type CustomerDecision string

const (
	DecisionNone     CustomerDecision = ""
	DecisionAccepted CustomerDecision = "ACCEPTED"
	DecisionDeclined CustomerDecision = "DECLINED"
)

// CardApplication описывает заявку на карту и её текущее состояние.
type CardApplication struct {
	ApplicationNo    string
	NationalID       string
	CardType         string
	CardLimit        decimal.Decimal
	Status           ApplicationStatus
	StatusDate       time.Time
	CustomerDecision CustomerDecision
	NoteUser         string
	Note             string
	Remarks          string
	Version          int64
	CreatedAt        time.Time
}

// transitions перечисляет разрешённые переходы машины состояний заявки.
var transitions = map[ApplicationStatus][]ApplicationStatus{
	StatusCreated:          {StatusPendingCustomer, StatusRejected},
	StatusPendingCustomer:  {StatusCustomerAccepted, StatusCustomerDeclined, StatusUnderAdminReview},
	StatusCustomerAccepted: {StatusUnderAdminReview},
	StatusUnderAdminReview: {StatusApproved, StatusRejected, StatusCancelled},
}

// overrideSources перечисляет состояния, из которых возможен административный override.
var overrideSources = map[ApplicationStatus]bool{
	StatusApproved: true,
	StatusRejected: true,
}

// ParseStatus проверяет и нормализует строковое значение статуса.
func ParseStatus(s string) (ApplicationStatus, error) {
	switch ApplicationStatus(s) {
	case StatusCreated, StatusPendingCustomer, StatusCustomerAccepted, StatusCustomerDeclined,
		StatusUnderAdminReview, StatusApproved, StatusRejected, StatusCancelled:
		return ApplicationStatus(s), nil
	}
	return "", ErrInvalidStatus
}

// CanTransition сообщает, разрешён ли переход из состояния from в состояние to.
func CanTransition(from, to ApplicationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanOverride сообщает, разрешён ли административный override из состояния from.
func CanOverride(from ApplicationStatus) bool {
	return overrideSources[from]
}

// IsTerminal сообщает, является ли состояние терминальным для обычного потока.
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case StatusCustomerDeclined, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}
