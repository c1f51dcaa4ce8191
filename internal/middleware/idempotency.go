package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	idempotencyReplayed = "Idempotent-Replayed"

	replayTTL   = 24 * time.Hour
	inFlightTTL = 30 * time.Second
)

// replay is a stored response.
type replay struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// recorder tees the response body so it can be stored after the handler ran.
type recorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// replayStore keeps responses per method, route and key.
type replayStore struct {
	client *redis.Client
}

func replayKey(c *gin.Context, key string) string {
	return "idempotency:" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key
}

func (s replayStore) load(ctx context.Context, key string) (*replay, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r replay
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// reserve marks key as in flight. It reports false when another request holds it.
func (s replayStore) reserve(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, key+":lock", 1, inFlightTTL).Result()
}

func (s replayStore) release(ctx context.Context, key string) {
	s.client.Del(ctx, key+":lock")
}

func (s replayStore) save(ctx context.Context, key string, r replay) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, replayTTL).Err()
}

// IdempotencyMiddleware replays the stored response of a mutating request
// retried with the same Idempotency-Key. Keys are scoped to method and route,
// and a retry arriving while the first attempt is still running gets 409.
// Server errors are not stored so the client can retry them. When Redis is
// unreachable requests are processed normally.
func IdempotencyMiddleware(client *redis.Client) gin.HandlerFunc {
	store := replayStore{client: client}

	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		rk := replayKey(c, key)

		stored, err := store.load(ctx, rk)
		if err != nil {
			c.Next()
			return
		}
		if stored != nil {
			c.Header(idempotencyReplayed, "true")
			c.Data(stored.Status, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		reserved, err := store.reserve(ctx, rk)
		switch {
		case err != nil:
			c.Next()
			return
		case !reserved:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
			return
		}
		defer store.release(context.WithoutCancel(ctx), rk)

		w := &recorder{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status < http.StatusOK || status >= http.StatusInternalServerError {
			return
		}
		_ = store.save(context.WithoutCancel(ctx), rk, replay{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
	}
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}
