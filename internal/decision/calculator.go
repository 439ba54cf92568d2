// Package decision реализует чистый расчёт кредитного лимита по финансовому профилю.
package decision

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardengine-system/internal/policy"
)

// ErrInvalidInput возвращается при отрицательных финансовых показателях во входных данных.
var ErrInvalidInput = errors.New("invalid input")

// FinancialProfile описывает финансовый профиль клиента на момент запроса.
type FinancialProfile struct {
	NationalID  string
	Salary      decimal.Decimal
	Liabilities decimal.Decimal
	Expenses    decimal.Decimal
}

// Status описывает итог решения по заявке.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
)

// Decision содержит итоговое решение и рекомендованный кредитный лимит.
type Decision struct {
	Status      Status
	CreditLimit decimal.Decimal
}

// Trace содержит все промежуточные значения одного расчёта. Это аудиторская запись:
// она всегда сохраняется вместе с решением и побайтно воспроизводима из тех же входов.
type Trace struct {
	Salary                  decimal.Decimal
	Liabilities             decimal.Decimal
	Expenses                decimal.Decimal
	MaxCreditLimit          decimal.Decimal
	MonthlyDBR              decimal.Decimal
	AvailableMonthly        decimal.Decimal
	PaymentCapacity         decimal.Decimal
	CreditLimitFromCapacity decimal.Decimal
	FinalCreditLimit        decimal.Decimal
}

// Evaluate вычисляет рекомендацию по кредитному лимиту для профиля по указанной политике.
// Функция детерминирована и не имеет побочных эффектов: одинаковые входы всегда дают
// одинаковый результат и одинаковую трассировку. При ошибке трассировка не создаётся.
func Evaluate(profile FinancialProfile, pol policy.Policy) (Decision, Trace, error) {
	if profile.Salary.IsNegative() {
		return Decision{}, Trace{}, fmt.Errorf("%w: salary must be non-negative", ErrInvalidInput)
	}
	if profile.Liabilities.IsNegative() {
		return Decision{}, Trace{}, fmt.Errorf("%w: liabilities must be non-negative", ErrInvalidInput)
	}
	if profile.Expenses.IsNegative() {
		return Decision{}, Trace{}, fmt.Errorf("%w: expenses must be non-negative", ErrInvalidInput)
	}

	// Максимальная месячная нагрузка, допустимая политикой.
	monthlyDBR := profile.Salary.Mul(pol.MaxDBRFraction)

	// Свободная месячная ёмкость, не ниже нуля.
	availableMonthly := monthlyDBR.Sub(profile.Liabilities.Add(profile.Expenses))
	if availableMonthly.IsNegative() {
		availableMonthly = decimal.Zero
	}

	// Ёмкость обслуживания нового обязательства. Сейчас совпадает с availableMonthly,
	// но остаётся отдельным полем: политика может начать ограничивать её независимо.
	paymentCapacity := availableMonthly

	creditLimitFromCapacity := paymentCapacity.Mul(pol.CapacityMultiplier)

	// Клиент без свободной ёмкости не поднимается до минимума политики.
	finalCreditLimit := decimal.Zero
	if !availableMonthly.IsZero() {
		finalCreditLimit = clamp(creditLimitFromCapacity, pol.MinLimit, pol.MaxLimit).Round(2)
	}

	status := StatusDeclined
	if finalCreditLimit.IsPositive() {
		status = StatusApproved
	}

	trace := Trace{
		Salary:                  profile.Salary,
		Liabilities:             profile.Liabilities,
		Expenses:                profile.Expenses,
		MaxCreditLimit:          pol.MaxLimit,
		MonthlyDBR:              monthlyDBR,
		AvailableMonthly:        availableMonthly,
		PaymentCapacity:         paymentCapacity,
		CreditLimitFromCapacity: creditLimitFromCapacity,
		FinalCreditLimit:        finalCreditLimit,
	}

	return Decision{Status: status, CreditLimit: finalCreditLimit}, trace, nil
}

func clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}
