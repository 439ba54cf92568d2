// Package middleware содержит HTTP middleware движка карточных решений.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const nationalIDKey contextKey = "nationalID"

// IdentityHeader — заголовок с подписанным национальным идентификатором.
// Слой идентификации внешний: движок только проверяет подпись.
const IdentityHeader = "X-Identity"

// IdentityMiddleware проверяет подписанный идентификатор клиента в заголовке запроса.
type IdentityMiddleware struct {
	secretKey []byte
}

// NewIdentityMiddleware создаёт новый экземпляр IdentityMiddleware с указанным секретным ключом.
func NewIdentityMiddleware(secret string) *IdentityMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &IdentityMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет заголовок идентификации и добавляет национальный идентификатор в контекст запроса.
func (m *IdentityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdentityHeader)
		if header == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		nationalID, ok := m.parseToken(header)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), nationalIDKey, nationalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token формирует подписанное значение заголовка для указанного национального идентификатора.
func (m *IdentityMiddleware) Token(nationalID string) string {
	return nationalID + "." + m.sign(nationalID)
}

func (m *IdentityMiddleware) sign(nationalID string) string {
	mac := hmac.New(sha256.New, m.secretKey)
	mac.Write([]byte(nationalID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *IdentityMiddleware) parseToken(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", false
	}

	nationalID := parts[0]
	signature := parts[1]

	if nationalID == "" {
		return "", false
	}
	if !hmac.Equal([]byte(signature), []byte(m.sign(nationalID))) {
		return "", false
	}

	return nationalID, true
}

// GetNationalIDFromContext извлекает национальный идентификатор из контекста запроса.
func GetNationalIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(nationalIDKey).(string)
	return id, ok
}
