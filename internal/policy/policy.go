// Package policy содержит политики принятия решений по типам карт.
package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownCardType возвращается при запросе политики для неизвестного типа карты.
var ErrUnknownCardType = errors.New("unknown card type")

//go:embed policies.json
var defaultPolicies []byte

// Policy описывает неизменяемую политику расчёта лимита для одного типа карты.
type Policy struct {
	CardType           string          `json:"card_type"`
	MaxDBRFraction     decimal.Decimal `json:"max_dbr_fraction"`
	CapacityMultiplier decimal.Decimal `json:"capacity_multiplier"`
	MinLimit           decimal.Decimal `json:"min_limit"`
	MaxLimit           decimal.Decimal `json:"max_limit"`
}

// Set предоставляет поиск политики по типу карты. Загружается один раз на процесс.
type Set struct {
	byType map[string]Policy
}

// Load читает политики из файла path, а при пустом path — из встроенных значений по умолчанию.
func Load(path string) (*Set, error) {
	data := defaultPolicies
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		data = b
	}

	var policies []Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}

	if len(policies) == 0 {
		return nil, errors.New("policy set is empty")
	}

	byType := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.CardType, err)
		}
		key := strings.ToUpper(p.CardType)
		if _, ok := byType[key]; ok {
			return nil, fmt.Errorf("duplicate policy for card type %q", p.CardType)
		}
		p.CardType = key
		byType[key] = p
	}

	return &Set{byType: byType}, nil
}

func validate(p Policy) error {
	if p.CardType == "" {
		return errors.New("card type is empty")
	}
	if !p.MaxDBRFraction.IsPositive() || p.MaxDBRFraction.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("max_dbr_fraction must be in (0, 1]")
	}
	if !p.CapacityMultiplier.IsPositive() {
		return errors.New("capacity_multiplier must be positive")
	}
	if p.MinLimit.IsNegative() {
		return errors.New("min_limit must be non-negative")
	}
	if p.MaxLimit.LessThan(p.MinLimit) {
		return errors.New("max_limit must be >= min_limit")
	}
	return nil
}

// Lookup возвращает политику для указанного типа карты.
func (s *Set) Lookup(cardType string) (Policy, error) {
	p, ok := s.byType[strings.ToUpper(cardType)]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownCardType, cardType)
	}
	return p, nil
}

// CardTypes возвращает отсортированный список известных типов карт.
func (s *Set) CardTypes() []string {
	types := make([]string, 0, len(s.byType))
	for t := range s.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
