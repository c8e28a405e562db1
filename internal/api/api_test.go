package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	backend "flux-gateway/internal/api"
	"flux-gateway/internal/config"
	"flux-gateway/internal/database"
	"flux-gateway/internal/replicate"
	"flux-gateway/internal/storage"
	"flux-gateway/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testBucket = "archives"

type mockReplicate struct {
	mu sync.Mutex

	createdModels []replicate.CreateModelRequest
	uploaded      map[string][]byte
	trainings     []replicate.TrainingRequest
	runs          []replicate.ModelRef
	runInputs     []map[string]any

	createModelErr error
	runOutput      []string
	runErr         error
	runBlocks      bool

	// When set, UploadFile signals uploadStarted and waits for uploadRelease.
	uploadStarted chan struct{}
	uploadRelease chan struct{}
}

func (m *mockReplicate) CreateModel(ctx context.Context, req replicate.CreateModelRequest) (*replicate.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createModelErr != nil {
		return nil, m.createModelErr
	}
	m.createdModels = append(m.createdModels, req)
	return &replicate.Model{Owner: req.Owner, Name: req.Name, URL: "https://replicate.com/" + req.Owner + "/" + req.Name}, nil
}

func (m *mockReplicate) UploadFile(ctx context.Context, name string, data io.Reader) (*replicate.File, error) {
	if m.uploadStarted != nil {
		close(m.uploadStarted)
		<-m.uploadRelease
	}

	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploaded == nil {
		m.uploaded = make(map[string][]byte)
	}
	m.uploaded[name] = content
	return &replicate.File{Id: "file-" + name, Name: name, URLs: replicate.URLs{Get: "https://api.replicate.com/v1/files/" + name}}, nil
}

func (m *mockReplicate) CreateTraining(ctx context.Context, req replicate.TrainingRequest) (*replicate.Training, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainings = append(m.trainings, req)
	return &replicate.Training{Id: fmt.Sprintf("train-%d", len(m.trainings)), Status: replicate.StatusStarting}, nil
}

func (m *mockReplicate) Run(ctx context.Context, ref replicate.ModelRef, input map[string]any) ([]string, error) {
	m.mu.Lock()
	m.runs = append(m.runs, ref)
	m.runInputs = append(m.runInputs, input)
	blocks, output, err := m.runBlocks, m.runOutput, m.runErr
	m.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", replicate.ErrTimeout, ctx.Err())
	}
	return output, err
}

type testEnv struct {
	router  http.Handler
	client  *mockReplicate
	storage *storage.LocalProvider
	db      *gorm.DB
}

func setupTestEnv(t *testing.T, client *mockReplicate, opts ...func(*backend.ServiceConfig)) *testEnv {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)

	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), testBucket))

	policy, err := config.LoadPolicy("")
	require.NoError(t, err)
	policy.Inference.Timeout = 100 * time.Millisecond

	cfg := backend.ServiceConfig{
		UploadDir:         t.TempDir(),
		ArchiveBucket:     testBucket,
		MaxUploadBytes:    10 << 20,
		MaxExtractedBytes: 1 << 20,
		MaxArchiveEntries: 100,
		SessionTTL:        time.Hour,
		MaxSessions:       16,
		Policy:            policy,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	service := backend.NewBackendService(db, store, client, cfg)
	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testEnv{router: router, client: client, storage: store, db: db}
}

type upload struct {
	name    string
	content []byte
}

func (e *testEnv) upload(t *testing.T, sessionId string, files ...upload) *httptest.ResponseRecorder {
	t.Helper()
	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)

	for _, file := range files {
		part, err := writer.CreateFormFile("files", file.name)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload_files", buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if sessionId != "" {
		req.Header.Set(api.SessionHeader, sessionId)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func zipContents(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[f.Name] = string(content)
	}
	return contents
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestUploadAndFineTune(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.upload(t, "", upload{"a.jpg", []byte("image a")}, upload{"b.jpg", []byte("image b")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	uploadRes := decode[api.UploadResponse](t, rec)
	assert.Equal(t, "Files uploaded successfully.", uploadRes.Message)
	assert.Equal(t, "training_data.zip", uploadRes.Archive)
	assert.Equal(t, 2, uploadRes.Entries)
	assert.False(t, uploadRes.Extracted)

	rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "user/model", TriggerWord: "sks"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[api.FineTuneResponse](t, rec)
	assert.Equal(t, "Training started successfully.", res.Message)
	assert.Equal(t, "train-1", res.TrainingId)

	require.Len(t, env.client.trainings, 1)
	training := env.client.trainings[0]
	assert.Equal(t, "ostris/flux-dev-lora-trainer:4ffd32160efd92e956d39c5338a9b8fbafca58e03f791f6d8011f3e20e8ea6fa", training.Trainer)
	assert.Equal(t, "user/model", training.Destination)
	assert.Equal(t, map[string]any{
		"input_images": "https://api.replicate.com/v1/files/training_data.zip",
		"steps":        1000,
		"trigger_word": "sks",
	}, training.Input)

	assert.Equal(t, map[string]string{"a.jpg": "image a", "b.jpg": "image b"}, zipContents(t, env.client.uploaded["training_data.zip"]))

	var records []database.Training
	require.NoError(t, env.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, "train-1", records[0].ExternalId)
	assert.Equal(t, uploadRes.UploadId, records[0].UploadId)
	assert.Equal(t, "sks", records[0].TriggerWord)
}

func TestUploadExistingArchive(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	data := makeZip(t, map[string]string{"x.png": "png x", "y.png": "png y"})
	rec := env.upload(t, "", upload{"photos.zip", data})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[api.UploadResponse](t, rec)
	assert.Equal(t, "photos.zip", res.Archive)
	assert.True(t, res.Extracted)
	assert.Equal(t, 2, res.Entries)

	rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "user/model", TriggerWord: "sks"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, data, env.client.uploaded["photos.zip"])
}

func TestFineTuneWithoutUpload(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "user/model", TriggerWord: "sks"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no zip file uploaded", decode[api.ErrorResponse](t, rec).Detail)
	assert.Empty(t, env.client.trainings)
}

func TestFineTuneMissingFields(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.postJSON(t, "/fine_tune_model", map[string]string{"destination": "user/model"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsAreIsolated(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.upload(t, "alice", upload{"a.jpg", []byte("alice's image")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decode[api.UploadResponse](t, rec).SessionId)

	rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "bob/model", TriggerWord: "sks"}, map[string]string{api.SessionHeader: "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "user/model", TriggerWord: "sks"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "default session should not see alice's upload")

	rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "alice/model", TriggerWord: "sks", SessionId: "alice"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, map[string]string{"a.jpg": "alice's image"}, zipContents(t, env.client.uploaded["training_data.zip"]))
}

func TestUploadReplacesPreviousArchive(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})
	ctx := context.Background()

	rec := env.upload(t, "s1", upload{"first.jpg", []byte("first")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[api.UploadResponse](t, rec)

	rec = env.upload(t, "s1", upload{"second.jpg", []byte("second")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[api.UploadResponse](t, rec)

	objects, err := env.storage.ListObjects(ctx, testBucket, "s1")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, fmt.Sprintf("s1/%s/training_data.zip", second.UploadId), objects[0].Name)
	assert.NotEqual(t, first.UploadId, second.UploadId)

	rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "user/model", TriggerWord: "sks"}, map[string]string{api.SessionHeader: "s1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]string{"second.jpg": "second"}, zipContents(t, env.client.uploaded["training_data.zip"]))
}

func TestUploadErrors(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	tests := []struct {
		name    string
		session string
		files   []upload
		code    int
	}{
		{name: "no files", files: nil, code: http.StatusBadRequest},
		{name: "traversal", files: []upload{{"../../etc/cron.d/evil", []byte("x")}}, code: http.StatusBadRequest},
		{name: "windows traversal", files: []upload{{"..\\evil.jpg", []byte("x")}}, code: http.StatusBadRequest},
		{name: "too large", files: []upload{{"huge.jpg", make([]byte, 11<<20)}}, code: http.StatusRequestEntityTooLarge},
		{
			name:  "archive expands past limit",
			files: []upload{{"bomb.zip", makeZip(t, map[string]string{"big.bin": string(make([]byte, 2<<20))})}},
			code:  http.StatusBadRequest,
		},
		{name: "invalid archive", files: []upload{{"broken.zip", []byte("not a zip")}}, code: http.StatusBadRequest},
		{
			name:  "multiple archives",
			files: []upload{{"a.zip", makeZip(t, map[string]string{"a": "a"})}, {"b.zip", makeZip(t, map[string]string{"b": "b"})}},
			code:  http.StatusBadRequest,
		},
		{name: "invalid session", session: "../other", files: []upload{{"a.jpg", []byte("x")}}, code: http.StatusBadRequest},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := env.upload(t, test.session, test.files...)
			assert.Equal(t, test.code, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Detail)
		})
	}

	rec := env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "user/model", TriggerWord: "sks"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "failed uploads must not designate an archive")
}

func TestUploadTooManySessions(t *testing.T) {
	client := &mockReplicate{uploadStarted: make(chan struct{}), uploadRelease: make(chan struct{})}
	env := setupTestEnv(t, client, func(cfg *backend.ServiceConfig) { cfg.MaxSessions = 1 })

	rec := env.upload(t, "alice", upload{"a.jpg", []byte("image a")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: "alice/model", TriggerWord: "sks"}, map[string]string{api.SessionHeader: "alice"})
	}()

	// alice's fine-tune now holds the only session lock.
	<-client.uploadStarted

	rec = env.upload(t, "bob", upload{"b.jpg", []byte("image b")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	close(client.uploadRelease)
	rec = <-done
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.upload(t, "bob", upload{"b.jpg", []byte("image b")})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestUploadNotMultipart(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.postJSON(t, "/upload_files", map[string]string{"files": "a.jpg"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateModel(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.postJSON(t, "/create_model", api.CreateModelRequest{Owner: "alice", Name: "flux-cat"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Model created successfully.", decode[api.MessageResponse](t, rec).Message)

	rec = env.postJSON(t, "/create_model", api.CreateModelRequest{
		Owner: "alice", Name: "flux-dog", Description: "dogs", Visibility: "private", Hardware: "gpu-t4",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []replicate.CreateModelRequest{
		{Owner: "alice", Name: "flux-cat", Visibility: "public", Hardware: "gpu-a40-large", Description: "an example model"},
		{Owner: "alice", Name: "flux-dog", Visibility: "private", Hardware: "gpu-t4", Description: "dogs"},
	}, env.client.createdModels)

	var records []database.ModelRecord
	require.NoError(t, env.db.Order("name").Find(&records).Error)
	require.Len(t, records, 2)
	assert.Equal(t, "https://replicate.com/alice/flux-cat", records[0].URL)
}

func TestCreateModelErrors(t *testing.T) {
	t.Run("MissingFields", func(t *testing.T) {
		env := setupTestEnv(t, &mockReplicate{})
		rec := env.postJSON(t, "/create_model", api.CreateModelRequest{Owner: "alice"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("InvalidBody", func(t *testing.T) {
		env := setupTestEnv(t, &mockReplicate{})
		req := httptest.NewRequest(http.MethodPost, "/create_model", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Downstream", func(t *testing.T) {
		env := setupTestEnv(t, &mockReplicate{
			createModelErr: &replicate.APIError{StatusCode: http.StatusConflict, Detail: "A model with that name already exists"},
		})
		rec := env.postJSON(t, "/create_model", api.CreateModelRequest{Owner: "alice", Name: "taken"}, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decode[api.ErrorResponse](t, rec).Detail, "A model with that name already exists")
	})

	t.Run("Unreachable", func(t *testing.T) {
		env := setupTestEnv(t, &mockReplicate{createModelErr: errors.New("dial tcp 10.0.0.1:443: connection refused")})
		rec := env.postJSON(t, "/create_model", api.CreateModelRequest{Owner: "alice", Name: "x"}, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, decode[api.ErrorResponse](t, rec).Detail, "10.0.0.1")
	})
}

func TestGenerateImage(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{runOutput: []string{"https://replicate.delivery/cat.webp", "https://replicate.delivery/other.webp"}})

	rec := env.postJSON(t, "/generate_image", api.GenerateImageRequest{Prompt: "a cat", OwnerName: "u", Name: "m", Version: "v1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"image_url": "https://replicate.delivery/cat.webp"}`, rec.Body.String())

	assert.Equal(t, []replicate.ModelRef{{Owner: "u", Name: "m", Version: "v1"}}, env.client.runs)
	assert.Equal(t, map[string]any{
		"prompt":            "a cat",
		"output_format":     "webp",
		"prompt_upsampling": true,
		"model":             "schnell",
	}, env.client.runInputs[0])
}

func TestGenerateImageNoOutputs(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{runOutput: nil})

	rec := env.postJSON(t, "/generate_image", api.GenerateImageRequest{Prompt: "a cat", OwnerName: "u", Name: "m", Version: "v1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Detail, "no valid image URL returned")
}

func TestGenerateImageTimeout(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{runBlocks: true})

	start := time.Now()
	rec := env.postJSON(t, "/generate_image", api.GenerateImageRequest{Prompt: "a cat", OwnerName: "u", Name: "m", Version: "v1"}, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGenerateImageInvalidRequest(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	rec := env.postJSON(t, "/generate_image", api.GenerateImageRequest{Prompt: "a cat", OwnerName: "u", Name: "m"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/generate_image", api.GenerateImageRequest{Prompt: "a cat", OwnerName: "u", Name: "m/x", Version: "v1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, env.client.runs)
}

func TestListTrainings(t *testing.T) {
	env := setupTestEnv(t, &mockReplicate{})

	for _, session := range []string{"s1", "s2"} {
		rec := env.upload(t, session, upload{"a.jpg", []byte(session)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = env.postJSON(t, "/fine_tune_model", api.FineTuneRequest{Destination: session + "/model", TriggerWord: "tok"}, map[string]string{api.SessionHeader: session})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	get := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/trainings"+query, nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	rec := get("")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]api.Training](t, rec), 2)

	rec = get("?destination=s2/model")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	trainings := decode[[]api.Training](t, rec)
	require.Len(t, trainings, 1)
	assert.Equal(t, "train-2", trainings[0].TrainingId)
	assert.Equal(t, "tok", trainings[0].TriggerWord)

	rec = get("?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get("?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
