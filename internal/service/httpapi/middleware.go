package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ofs/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ofs_http_requests_total",
		Help: "Количество HTTP-запросов по маршруту и статусу.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ofs_http_request_duration_seconds",
		Help:    "Длительность обработки HTTP-запросов.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	idempotencyReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ofs_http_idempotency_replays_total",
		Help: "Количество ответов, воспроизведённых по idempotency-key.",
	})
)

// responseRecorder перехватывает статус и тело ответа для сохранения
// в idempotency-записи.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if r.body.Len()+len(b) <= maxRequestBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

// Idempotency реализует протокол Idempotency-Key: первый запрос с ключом
// регистрируется как processing, завершённый — сохраняет ответ; повтор ключа
// с тем же телом воспроизводит сохранённый ответ, повтор во время обработки —
// 409, повтор с другим телом — 422. Запрос без ключа проходит напрямую.
func Idempotency(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
				return
			}
			if len(body) > maxRequestBody {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := domain.RequestHash(r.Method, r.URL.Path, body)
			record, err := repo.CreateProcessing(key, hash, time.Now().UTC().Add(ttl))
			switch {
			case err == nil:
				// Новый ключ, обрабатываем запрос.
			case errors.Is(err, domain.ErrIdempotencyHashMismatch):
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "idempotency key reused with different request body"})
				return
			case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				if record.Expired(time.Now().UTC()) {
					// Срок хранения истёк: обрабатываем заново, результат
					// перезапишет устаревшую запись.
					break
				}
				switch record.Status {
				case domain.IdempotencyStatusProcessing:
					writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is being processed"})
					return
				case domain.IdempotencyStatusDone:
					idempotencyReplaysTotal.Inc()
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(record.HTTPStatus)
					_, _ = w.Write(record.ResponseBody)
					return
				case domain.IdempotencyStatusFailed:
					// Предыдущая попытка упала на транзиентной ошибке,
					// разрешаем повтор.
				}
			default:
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "idempotency check failed"})
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// 5xx не реплеится: такие исходы транзиентны, клиент может
			// повторить ключ после устранения сбоя.
			if rec.status < http.StatusInternalServerError {
				err = repo.MarkDone(key, rec.body.Bytes(), rec.status)
			} else {
				err = repo.MarkFailed(key, rec.body.Bytes(), rec.status)
			}
			if err != nil {
				logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotency record")
			}
		})
	}
}

// requestLogger пишет структурированную запись по завершении запроса.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Debug("http request")
		})
	}
}

// requestMetrics обновляет счётчики запросов по шаблону маршрута.
func requestMetrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
