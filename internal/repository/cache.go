package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/cardengine-system/internal/model"
)

const cacheTTL = 5 * time.Minute

// Cache хранит недавно прочитанные заявки в Redis. Кэш опционален:
// используется только для чтения статуса и инвалидируется при каждой записи.
type Cache struct {
	client *redis.Client
}

// NewCache создаёт кэш заявок поверх Redis по указанному адресу.
func NewCache(addr string) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Cache{client: rdb}
}

// GetApplication возвращает заявку из кэша, если она там есть.
func (c *Cache) GetApplication(ctx context.Context, applicationNo string) (*model.CardApplication, bool) {
	val, err := c.client.Get(ctx, cacheKey(applicationNo)).Bytes()
	if err != nil {
		return nil, false
	}

	var app model.CardApplication
	if err := json.Unmarshal(val, &app); err != nil {
		return nil, false
	}
	return &app, true
}

// SetApplication сохраняет заявку в кэш. Ошибки кэша игнорируются: источник истины — БД.
func (c *Cache) SetApplication(ctx context.Context, app *model.CardApplication) {
	data, err := json.Marshal(app)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(app.ApplicationNo), data, cacheTTL)
}

// Invalidate удаляет заявку из кэша после изменения.
func (c *Cache) Invalidate(ctx context.Context, applicationNo string) {
	c.client.Del(ctx, cacheKey(applicationNo))
}

// Close закрывает соединение с Redis.
func (c *Cache) Close() error {
	return c.client.Close()
}

func cacheKey(applicationNo string) string {
	return "card_application:" + applicationNo
}
