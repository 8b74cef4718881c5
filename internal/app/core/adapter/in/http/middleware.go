package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	headerActorID = "X-Actor-ID"
	headerRole    = "X-Role"

	roleManager = "Manager"
)

type ctxKey int

const actorKey ctxKey = iota

// actor 呼叫者身分，驗證由前端 gateway 完成，這裡只讀取標頭
type actor struct {
	ID   int64
	Role string
}

func actorFrom(ctx context.Context) actor {
	a, _ := ctx.Value(actorKey).(actor)
	return a
}

// withActor 解析 X-Actor-ID / X-Role
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := actor{Role: r.Header.Get(headerRole)}
		if raw := r.Header.Get(headerActorID); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid " + headerActorID, Kind: "Unauthorized"})
				return
			}
			a.ID = id
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, a)))
	})
}

// requireManager 只允許具主管權限且帶身分的呼叫者
func requireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := actorFrom(r.Context())
		if a.ID == 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: headerActorID + " is required", Kind: "Unauthorized"})
			return
		}
		if a.Role != roleManager {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "manager role required", Kind: "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger 以 zap 記錄每個請求
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
