package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"flux-gateway/internal/archive"
	"flux-gateway/internal/config"
	"flux-gateway/internal/database"
	"flux-gateway/internal/replicate"
	"flux-gateway/internal/session"
	"flux-gateway/internal/storage"
	"flux-gateway/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReplicateClient is the subset of the hosting service used by the gateway.
type ReplicateClient interface {
	CreateModel(ctx context.Context, req replicate.CreateModelRequest) (*replicate.Model, error)

	UploadFile(ctx context.Context, name string, data io.Reader) (*replicate.File, error)

	CreateTraining(ctx context.Context, req replicate.TrainingRequest) (*replicate.Training, error)

	Run(ctx context.Context, ref replicate.ModelRef, input map[string]any) ([]string, error)
}

type ServiceConfig struct {
	UploadDir      string
	ArchiveBucket  string
	MaxUploadBytes int64

	// Bounds on what an uploaded zip may expand to.
	MaxExtractedBytes int64
	MaxArchiveEntries int

	SessionTTL  time.Duration
	MaxSessions int
	Policy      config.Policy
}

type BackendService struct {
	db      *gorm.DB
	storage storage.Provider
	client  ReplicateClient

	slots *session.Slots
	locks *session.Locks

	cfg ServiceConfig
}

const (
	maxMemoryBytes       = 32 << 20
	defaultTrainingLimit = 100
	maxTrainingLimit     = 1000
)

func NewBackendService(db *gorm.DB, store storage.Provider, client ReplicateClient, cfg ServiceConfig) *BackendService {
	s := &BackendService{
		db:      db,
		storage: store,
		client:  client,
		locks:   session.NewLocks(cfg.MaxSessions),
		cfg:     cfg,
	}
	s.slots = session.NewSlots(cfg.SessionTTL, s.releaseArchive)
	return s
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return map[string]string{"status": "ok"}, nil }))

	r.Post("/upload_files", RestHandler(s.UploadFiles))
	r.Post("/create_model", RestHandler(s.CreateModel))
	r.Post("/fine_tune_model", RestHandler(s.FineTuneModel))
	r.Post("/generate_image", RestHandler(s.GenerateImage))

	r.Get("/trainings", RestHandler(s.ListTrainings))
}

// releaseArchive removes a stored archive once no session designates it.
func (s *BackendService) releaseArchive(a session.Archive) {
	prefix := path.Dir(a.Key) + "/"
	if err := s.storage.DeleteObjects(context.Background(), a.Bucket, prefix); err != nil {
		slog.Error("error deleting released training archive", "upload_id", a.UploadId, "key", a.Key, "error", err)
		return
	}
	slog.Info("released training archive", "upload_id", a.UploadId, "key", a.Key)
}

func resolveSession(r *http.Request, override string) (string, error) {
	id := override
	if id == "" {
		id = r.Header.Get(api.SessionHeader)
	}
	if id == "" {
		return session.DefaultToken, nil
	}
	if err := session.ValidateToken(id); err != nil {
		return "", CodedError(http.StatusBadRequest, err)
	}
	return id, nil
}

func (s *BackendService) lockSession(id string) error {
	if err := s.locks.Lock(id); err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			return CodedErrorf(http.StatusServiceUnavailable, "too many concurrent sessions, retry later")
		}
		return CodedError(http.StatusInternalServerError, err)
	}
	return nil
}

func (s *BackendService) unlockSession(id string) {
	if err := s.locks.Unlock(id); err != nil {
		slog.Error("error unlocking session", "session_id", id, "error", err)
	}
}

func (s *BackendService) UploadFiles(r *http.Request) (any, error) {
	sessionId, err := resolveSession(r, "")
	if err != nil {
		return nil, err
	}

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, s.cfg.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "error uploading files: upload exceeds %d bytes", maxErr.Limit)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "error uploading files: invalid multipart form: %v", err)
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("error removing multipart temp files", "error", err)
		}
	}()

	headers := r.MultipartForm.File["files"]

	files := make([]archive.File, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "error uploading files: unable to read '%s'", header.Filename)
		}
		defer file.Close()
		files = append(files, archive.File{Name: rawFilename(header), Data: file})
	}

	if err := s.lockSession(sessionId); err != nil {
		return nil, err
	}
	defer s.unlockSession(sessionId)

	ctx := r.Context()
	uploadId := uuid.New()

	limits := archive.Limits{MaxBytes: s.cfg.MaxExtractedBytes, MaxEntries: s.cfg.MaxArchiveEntries}
	result, err := archive.Normalize(ctx, filepath.Join(s.cfg.UploadDir, uploadId.String()), files, limits)
	if err != nil {
		if errors.Is(err, archive.ErrIO) {
			slog.Error("error writing uploaded files", "upload_id", uploadId, "error", err)
			return nil, CodedErrorf(http.StatusBadRequest, "error uploading files: unable to store uploaded files")
		}
		return nil, CodedErrorf(http.StatusBadRequest, "error uploading files: %v", err)
	}

	key := fmt.Sprintf("%s/%s/%s", sessionId, uploadId, result.Name)
	if err := s.storeArchive(ctx, key, result.Path); err != nil {
		slog.Error("error storing training archive", "upload_id", uploadId, "key", key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error uploading files: unable to store training archive")
	}

	upload := database.Upload{
		Id:            uploadId,
		SessionId:     sessionId,
		ArchiveName:   result.Name,
		ArchiveBucket: s.cfg.ArchiveBucket,
		ArchiveKey:    key,
		Extracted:     result.Extracted,
		FileCount:     len(files),
		EntryCount:    len(result.Entries),
		CreationTime:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&upload).Error; err != nil {
		slog.Error("error recording upload", "upload_id", uploadId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error uploading files: unable to record upload")
	}

	s.slots.Set(sessionId, session.Archive{
		UploadId:  uploadId,
		Bucket:    s.cfg.ArchiveBucket,
		Key:       key,
		Name:      result.Name,
		Entries:   len(result.Entries),
		CreatedAt: upload.CreationTime,
	})

	slog.Info("training archive uploaded", "session_id", sessionId, "upload_id", uploadId, "archive", result.Name, "entries", len(result.Entries), "extracted", result.Extracted, "active_sessions", s.slots.Len())

	return api.UploadResponse{
		Message:   "Files uploaded successfully.",
		SessionId: sessionId,
		UploadId:  uploadId,
		Archive:   result.Name,
		Entries:   len(result.Entries),
		Extracted: result.Extracted,
	}, nil
}

// rawFilename returns the filename exactly as the client sent it.
// multipart.FileHeader.Filename is already reduced to a base name, which would
// hide traversal attempts from the normalizer.
func rawFilename(header *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition"))
	if err != nil || params["filename"] == "" {
		return header.Filename
	}
	return params["filename"]
}

func (s *BackendService) storeArchive(ctx context.Context, key, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", localPath, err)
	}
	defer file.Close()

	return s.storage.PutObject(ctx, s.cfg.ArchiveBucket, key, file)
}

func (s *BackendService) CreateModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateModelRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Owner == "" || req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing required fields: owner, name")
	}

	defaults := s.cfg.Policy.Defaults
	if req.Description == "" {
		req.Description = defaults.Description
	}
	if req.Visibility == "" {
		req.Visibility = defaults.Visibility
	}
	if req.Hardware == "" {
		req.Hardware = defaults.Hardware
	}

	ctx := r.Context()

	model, err := s.client.CreateModel(ctx, replicate.CreateModelRequest{
		Owner:       req.Owner,
		Name:        req.Name,
		Visibility:  req.Visibility,
		Hardware:    req.Hardware,
		Description: req.Description,
	})
	if err != nil {
		return nil, downstreamError("error creating model", err)
	}

	record := database.ModelRecord{
		Id:           uuid.New(),
		Owner:        req.Owner,
		Name:         req.Name,
		Description:  req.Description,
		Visibility:   req.Visibility,
		Hardware:     req.Hardware,
		URL:          model.URL,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		// The model exists upstream regardless, so the request still succeeds.
		slog.Error("error recording created model", "owner", req.Owner, "name", req.Name, "error", err)
	}

	slog.Info("model created", "owner", req.Owner, "name", req.Name, "url", fmt.Sprintf("https://replicate.com/%s/%s", req.Owner, req.Name))

	return api.MessageResponse{Message: "Model created successfully."}, nil
}

func (s *BackendService) FineTuneModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.FineTuneRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Destination == "" || req.TriggerWord == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing required fields: destination, trigger_word")
	}

	sessionId, err := resolveSession(r, req.SessionId)
	if err != nil {
		return nil, err
	}

	if err := s.lockSession(sessionId); err != nil {
		return nil, err
	}
	defer s.unlockSession(sessionId)

	current, ok := s.slots.Get(sessionId)
	if !ok {
		return nil, CodedErrorf(http.StatusBadRequest, "no zip file uploaded")
	}

	ctx := r.Context()

	obj, err := s.storage.GetObject(ctx, current.Bucket, current.Key)
	if err != nil {
		slog.Error("error opening stored training archive", "upload_id", current.UploadId, "key", current.Key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error fine-tuning model: training archive is unavailable")
	}
	defer obj.Close()

	file, err := s.client.UploadFile(ctx, current.Name, obj)
	if err != nil {
		return nil, downstreamError("error fine-tuning model", err)
	}

	trainer := s.cfg.Policy.Trainer
	input := map[string]any{
		"input_images": file.URLs.Get,
		"steps":        trainer.Steps,
		"trigger_word": req.TriggerWord,
	}

	training, err := s.client.CreateTraining(ctx, replicate.TrainingRequest{
		Trainer:     trainer.Ref(),
		Destination: req.Destination,
		Input:       input,
	})
	if err != nil {
		return nil, downstreamError("error fine-tuning model", err)
	}

	s.recordTraining(ctx, training, current, req, input)

	slog.Info("training started", "training_id", training.Id, "status", training.Status, "url", fmt.Sprintf("https://replicate.com/p/%s", training.Id))

	return api.FineTuneResponse{Message: "Training started successfully.", TrainingId: training.Id}, nil
}

func (s *BackendService) recordTraining(ctx context.Context, training *replicate.Training, current session.Archive, req api.FineTuneRequest, input map[string]any) {
	encoded, err := json.Marshal(input)
	if err != nil {
		slog.Error("error encoding training input", "training_id", training.Id, "error", err)
		return
	}

	record := database.Training{
		Id:           uuid.New(),
		ExternalId:   training.Id,
		UploadId:     current.UploadId,
		Destination:  req.Destination,
		TriggerWord:  req.TriggerWord,
		Trainer:      s.cfg.Policy.Trainer.Ref(),
		Status:       training.Status,
		Input:        datatypes.JSON(encoded),
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		// The training is already running upstream, so the request still succeeds.
		slog.Error("error recording training", "training_id", training.Id, "error", err)
	}
}

func (s *BackendService) GenerateImage(r *http.Request) (any, error) {
	req, err := ParseRequest[api.GenerateImageRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Prompt == "" || req.OwnerName == "" || req.Name == "" || req.Version == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing required fields: prompt, owner_name, name, version")
	}

	ref, err := replicate.ParseModelRef(fmt.Sprintf("%s/%s:%s", req.OwnerName, req.Name, req.Version))
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	policy := s.cfg.Policy.Inference
	input := map[string]any{
		"prompt":            req.Prompt,
		"output_format":     policy.OutputFormat,
		"prompt_upsampling": policy.PromptUpsampling,
	}
	if policy.Model != "" {
		input["model"] = policy.Model
	}

	ctx, cancel := context.WithTimeout(r.Context(), policy.Timeout)
	defer cancel()

	urls, err := s.client.Run(ctx, ref, input)
	if err != nil {
		return nil, downstreamError("error generating image", err)
	}

	if len(urls) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "error generating image: no valid image URL returned")
	}

	return api.GenerateImageResponse{ImageURL: urls[0]}, nil
}

func (s *BackendService) ListTrainings(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListTrainingsParams](r)
	if err != nil {
		return nil, err
	}

	if params.Limit < 0 || params.Limit > maxTrainingLimit {
		return nil, CodedErrorf(http.StatusBadRequest, "limit must be between 0 and %d", maxTrainingLimit)
	}
	if params.Limit == 0 {
		params.Limit = defaultTrainingLimit
	}

	trainings, err := database.ListTrainings(r.Context(), s.db, database.TrainingFilter{
		Destination: params.Destination,
		Limit:       params.Limit,
	})
	if err != nil {
		slog.Error("error listing trainings", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training records")
	}

	results := make([]api.Training, 0, len(trainings))
	for _, t := range trainings {
		results = append(results, api.Training{
			TrainingId:   t.ExternalId,
			Destination:  t.Destination,
			TriggerWord:  t.TriggerWord,
			Trainer:      t.Trainer,
			Status:       t.Status,
			CreationTime: t.CreationTime,
		})
	}

	return results, nil
}

// downstreamError converts a hosting service failure into a caller facing
// error. Service provided details are passed through; transport errors are
// only logged.
func downstreamError(prefix string, err error) error {
	if errors.Is(err, replicate.ErrTimeout) {
		slog.Warn("request to replicate timed out", "operation", prefix, "error", err)
		return CodedErrorf(http.StatusGatewayTimeout, "%s: request to the hosting service timed out", prefix)
	}

	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) {
		slog.Error("replicate returned an error", "operation", prefix, "status_code", apiErr.StatusCode, "error", err)
		return CodedErrorf(http.StatusInternalServerError, "%s: %s", prefix, apiErr.Error())
	}

	if errors.Is(err, replicate.ErrPredictionFailed) {
		return CodedErrorf(http.StatusInternalServerError, "%s: %v", prefix, err)
	}

	slog.Error("error calling replicate", "operation", prefix, "error", err)
	return CodedErrorf(http.StatusInternalServerError, "%s: the hosting service could not be reached", prefix)
}
