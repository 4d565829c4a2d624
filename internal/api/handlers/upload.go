package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/api/middleware"
	"github.com/medbridge/go-pix/internal/dicommeta"
	"github.com/medbridge/go-pix/internal/observability/metrics"
	"github.com/medbridge/go-pix/internal/reconcile"
	"github.com/medbridge/go-pix/pkg/idempotency"
)

// maxInstanceBytes caps the accepted DICOM instance size (256 MiB).
const maxInstanceBytes = 256 << 20

// UploadHandler handles DICOM instance uploads
type UploadHandler struct {
	engine  *reconcile.Engine
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewUploadHandler creates a new handler. inbox may be nil, in which
// case re-uploads are deduplicated by the engine alone.
func NewUploadHandler(engine *reconcile.Engine, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{engine: engine, inbox: inbox, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *UploadHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/upload", h.Upload)
	return r
}

// Upload handles POST /dicom/upload. The body is a raw DICOM instance,
// or a multipart form with the instance in the "file" field; it is
// stored in the archive and reconciled against the registry. A stored
// instance whose reconciliation produced a mapping returns 201; stored
// but unreconciled returns 200 with the failure reason.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("upload-handler")
	ctx, span := tracer.Start(ctx, "upload_instance")
	defer span.End()

	data, err := readInstance(r)
	if err != nil {
		jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		jsonError(w, "empty request body", http.StatusBadRequest)
		return
	}
	if len(data) > maxInstanceBytes {
		jsonError(w, "instance too large", http.StatusRequestEntityTooLarge)
		return
	}
	span.SetAttributes(attribute.Int("instance_bytes", len(data)))

	if h.metrics != nil {
		h.metrics.UploadsReceived.Inc()
	}

	if h.inbox == nil {
		h.respond(ctx, w, data)
		return
	}

	// Dedup key from instance identity. Unparsable instances never
	// reach the inbox.
	tags, derr := dicommeta.Decode(data)
	if derr != nil {
		jsonError(w, "request body is not a parsable DICOM instance", http.StatusBadRequest)
		return
	}
	key := idempotency.GenerateKey(tags["SOPInstanceUID"], tags["StudyInstanceUID"])
	descriptor, _ := json.Marshal(map[string]interface{}{
		"sop_instance_uid":   tags["SOPInstanceUID"],
		"study_instance_uid": tags["StudyInstanceUID"],
		"size_bytes":         len(data),
	})

	result, perr := h.inbox.Process(ctx, key, "upload_instance", descriptor, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		receipt, uerr := h.engine.UploadAndReconcile(ctx, data)
		if uerr != nil {
			return nil, uerr
		}
		return json.Marshal(receipt)
	})
	if perr != nil {
		if errors.Is(perr, idempotency.ErrMessageInProgress) {
			jsonError(w, "upload already in progress", http.StatusConflict)
			return
		}
		h.handleUploadError(ctx, w, perr)
		return
	}

	var receipt reconcile.UploadReceipt
	if err := json.Unmarshal(result.Result, &receipt); err != nil {
		h.logger.Error("decode upload receipt failed", zap.Error(err))
		jsonError(w, "upload failed", http.StatusInternalServerError)
		return
	}
	h.writeReceipt(ctx, w, &receipt)
}

func readInstance(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxInstanceBytes); err != nil {
			return nil, err
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxInstanceBytes+1))
	}
	return io.ReadAll(io.LimitReader(r.Body, maxInstanceBytes+1))
}

func (h *UploadHandler) respond(ctx context.Context, w http.ResponseWriter, data []byte) {
	receipt, err := h.engine.UploadAndReconcile(ctx, data)
	if err != nil {
		h.handleUploadError(ctx, w, err)
		return
	}
	h.writeReceipt(ctx, w, receipt)
}

func (h *UploadHandler) handleUploadError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, reconcile.ErrUnparsableInstance) {
		jsonError(w, "request body is not a parsable DICOM instance", http.StatusBadRequest)
		return
	}
	h.logger.Error("upload failed",
		zap.Error(err),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	jsonError(w, "failed to store instance in archive", http.StatusBadGateway)
}

func (h *UploadHandler) writeReceipt(ctx context.Context, w http.ResponseWriter, receipt *reconcile.UploadReceipt) {
	h.logger.Info("instance uploaded",
		zap.String("instance_id", receipt.Upload.ID),
		zap.String("archive_patient_id", receipt.Upload.ParentPatient),
		zap.String("outcome", receipt.Outcome.Reason),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	status := http.StatusOK
	if receipt.Outcome.Success {
		status = http.StatusCreated
	}
	writeJSON(w, status, receipt)
}
