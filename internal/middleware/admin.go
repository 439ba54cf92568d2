package middleware

import (
	"crypto/hmac"
	"net/http"
)

// AdminKeyHeader — заголовок с общим ключом административного портала.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth проверяет общий ключ доверенного административного портала.
// Управление сотрудниками и ролями — забота самого портала, движок видит только ключ.
type AdminAuth struct {
	key []byte
}

// NewAdminAuth создаёт новый экземпляр AdminAuth с указанным ключом.
func NewAdminAuth(key string) *AdminAuth {
	return &AdminAuth{key: []byte(key)}
}

// Middleware отклоняет запросы без корректного административного ключа.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.key) == 0 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		got := []byte(r.Header.Get(AdminKeyHeader))
		if !hmac.Equal(got, a.key) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
