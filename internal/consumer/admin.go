package consumer

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	jsoncodec "github.com/JulianNeuberger/datasetd/internal/jsoncodec"
	loggingpkg "github.com/JulianNeuberger/datasetd/internal/logging"
	storagepkg "github.com/JulianNeuberger/datasetd/internal/storage"
)

// DeadLetterAdminStore is the maintenance surface for parked messages.
// *storage.Store satisfies it.
type DeadLetterAdminStore interface {
	DeadLetterCount(ctx context.Context, topic string) (int64, error)
	ListDeadLetters(ctx context.Context, topic string, limit, offset int) ([]storagepkg.DeadLetterRecord, error)
	ReplayDeadLetter(ctx context.Context, id int64) (*storagepkg.DeadLetterRecord, error)
	PurgeDeadLetters(ctx context.Context, topic string) (int64, error)
}

// OutboxMonitor reports how many committed events still await publication.
type OutboxMonitor interface {
	UnpublishedCount(ctx context.Context) (int64, error)
}

type adminAPI struct {
	svc    *Service
	dlq    DeadLetterAdminStore
	outbox OutboxMonitor
}

// RegisterAdminHandlers mounts the operator endpoints on the HTTP mux served
// at the given port (alongside /metrics when metrics are enabled):
//
//	GET  /admin/dlq?topic=&limit=&offset=  parked messages and their count
//	POST /admin/dlq/replay?id=             republish one parked message
//	POST /admin/dlq/purge?topic=           drop all parked messages for a topic
//	GET  /admin/outbox                     committed events awaiting publication
//	GET  /admin/stats                      per-handler stats and DLQ totals
func RegisterAdminHandlers(svc *Service, dlq DeadLetterAdminStore, outbox OutboxMonitor, port int) error {
	if svc == nil {
		return ErrServiceRequired
	}
	if dlq == nil {
		return errors.New("datasetd: dead letter admin store is required")
	}
	if port <= 0 {
		return errors.New("datasetd: admin port must be positive")
	}

	a := &adminAPI{svc: svc, dlq: dlq, outbox: outbox}
	svc.RegisterHTTPHandler(port, "/admin/dlq", http.HandlerFunc(a.handleList))
	svc.RegisterHTTPHandler(port, "/admin/dlq/replay", http.HandlerFunc(a.handleReplay))
	svc.RegisterHTTPHandler(port, "/admin/dlq/purge", http.HandlerFunc(a.handlePurge))
	svc.RegisterHTTPHandler(port, "/admin/outbox", http.HandlerFunc(a.handleOutbox))
	svc.RegisterHTTPHandler(port, "/admin/stats", http.HandlerFunc(a.handleStats))
	return nil
}

func (a *adminAPI) topic(r *http.Request) string {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = a.svc.Conf.ConsumeQueue
	}
	return topic
}

func (a *adminAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topic := a.topic(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	count, err := a.dlq.DeadLetterCount(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	records, err := a.dlq.ListDeadLetters(r.Context(), topic, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":   topic,
		"count":   count,
		"records": records,
	})
}

func (a *adminAPI) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return
	}

	rec, err := a.dlq.ReplayDeadLetter(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata[k] = v
	}
	// The replayed delivery starts a fresh attempt budget.
	delete(msg.Metadata, "processing_attempts")

	if err := a.svc.publisher.Publish(rec.OriginalTopic, msg); err != nil {
		a.svc.Logger.Error("Failed to republish dead letter", err, loggingpkg.LogFields{
			"dead_letter_id": rec.ID,
			"topic":          rec.OriginalTopic,
		})
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if a.svc.dlqMetrics != nil {
		a.svc.dlqMetrics.RecordReplay(rec.OriginalTopic)
	}
	a.svc.Logger.Info("Replayed dead letter", loggingpkg.LogFields{
		"dead_letter_id": rec.ID,
		"topic":          rec.OriginalTopic,
	})

	writeJSON(w, http.StatusOK, rec)
}

func (a *adminAPI) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topic := a.topic(r)
	purged, err := a.dlq.PurgeDeadLetters(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if a.svc.dlqMetrics != nil && purged > 0 {
		a.svc.dlqMetrics.RecordPurge(topic, purged)
	}
	a.svc.Logger.Info("Purged dead letters", loggingpkg.LogFields{
		"topic":  topic,
		"purged": purged,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":  topic,
		"purged": purged,
	})
}

func (a *adminAPI) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.outbox == nil {
		http.Error(w, "outbox monitoring not configured", http.StatusNotFound)
		return
	}

	unpublished, err := a.outbox.UnpublishedCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unpublished": unpublished,
	})
}

func (a *adminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := map[string]any{
		"handlers": a.svc.Handlers(),
	}
	if a.svc.dlqMetrics != nil {
		body["dlq"] = a.svc.dlqMetrics.Snapshot()
	}

	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
