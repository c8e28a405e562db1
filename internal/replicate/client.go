package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	ErrTimeout          = errors.New("request to replicate timed out")
	ErrPredictionFailed = errors.New("prediction did not succeed")
)

// APIError is returned when the service responds with a non-2xx status.
type APIError struct {
	StatusCode int    `json:"-"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("replicate returned status %d: %s", e.StatusCode, e.Detail)
	}
	if e.Title != "" {
		return fmt.Sprintf("replicate returned status %d: %s", e.StatusCode, e.Title)
	}
	return fmt.Sprintf("replicate returned status %d", e.StatusCode)
}

type Client struct {
	client       *resty.Client
	pollInterval time.Duration
	waitSeconds  int
}

type Option func(*Client)

// WithPollInterval sets how often an unfinished prediction is refreshed.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) { c.pollInterval = interval }
}

// WithWait sets the number of seconds the service may hold a prediction
// request open before answering. Zero disables the Prefer header.
func WithWait(seconds int) Option {
	return func(c *Client) { c.waitSeconds = seconds }
}

func NewClient(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(token).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		pollInterval: time.Second,
		waitSeconds:  60,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx).SetError(&APIError{})
}

func checkResponse(ctx context.Context, res *resty.Response, err error) error {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("error sending request to replicate: %w", err)
	}

	if res.IsError() {
		apiErr, ok := res.Error().(*APIError)
		if !ok || apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.StatusCode = res.StatusCode()
		if apiErr.Detail == "" && apiErr.Title == "" {
			apiErr.Detail = res.String()
		}
		return apiErr
	}

	return nil
}

func (c *Client) CreateModel(ctx context.Context, req CreateModelRequest) (*Model, error) {
	var model Model
	res, err := c.request(ctx).
		SetBody(req).
		SetResult(&model).
		Post("/models")
	if err := checkResponse(ctx, res, err); err != nil {
		return nil, err
	}

	slog.Info("model created", "owner", model.Owner, "name", model.Name, "url", model.URL)
	return &model, nil
}

// UploadFile stores data with the service's file API so it can be referenced
// as a training input.
func (c *Client) UploadFile(ctx context.Context, name string, data io.Reader) (*File, error) {
	var file File
	res, err := c.request(ctx).
		SetFileReader("content", name, data).
		SetFormData(map[string]string{"filename": name, "type": "application/zip"}).
		SetResult(&file).
		Post("/files")
	if err := checkResponse(ctx, res, err); err != nil {
		return nil, err
	}

	if file.URLs.Get == "" {
		return nil, fmt.Errorf("replicate file upload for %s returned no url", name)
	}

	slog.Info("file uploaded", "file_id", file.Id, "name", name, "size", file.Size)
	return &file, nil
}

func (c *Client) CreateTraining(ctx context.Context, req TrainingRequest) (*Training, error) {
	trainer, err := ParseModelRef(req.Trainer)
	if err != nil {
		return nil, err
	}

	var training Training
	res, err := c.request(ctx).
		SetPathParams(map[string]string{
			"owner":   trainer.Owner,
			"name":    trainer.Name,
			"version": trainer.Version,
		}).
		SetBody(req).
		SetResult(&training).
		Post("/models/{owner}/{name}/versions/{version}/trainings")
	if err := checkResponse(ctx, res, err); err != nil {
		return nil, err
	}

	slog.Info("training created", "training_id", training.Id, "status", training.Status, "destination", req.Destination)
	return &training, nil
}

// Run creates a prediction against ref and waits until it reaches a terminal
// status, returning its output as a list of strings. The caller bounds the
// wait through ctx.
func (c *Client) Run(ctx context.Context, ref ModelRef, input map[string]any) ([]string, error) {
	var prediction Prediction
	req := c.request(ctx).
		SetBody(predictionRequest{Version: ref.Version, Input: input}).
		SetResult(&prediction)
	if c.waitSeconds > 0 {
		req.SetHeader("Prefer", fmt.Sprintf("wait=%d", c.waitSeconds))
	}

	res, err := req.Post("/predictions")
	if err := checkResponse(ctx, res, err); err != nil {
		return nil, err
	}

	for !isTerminal(prediction.Status) {
		if prediction.URLs.Get == "" {
			return nil, fmt.Errorf("prediction %s has status %s but no url to poll", prediction.Id, prediction.Status)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: prediction %s still %s", ErrTimeout, prediction.Id, prediction.Status)
			}
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		slog.Debug("polling prediction", "prediction_id", prediction.Id, "status", prediction.Status)

		next := Prediction{}
		res, err := c.request(ctx).SetResult(&next).Get(prediction.URLs.Get)
		if err := checkResponse(ctx, res, err); err != nil {
			return nil, err
		}
		prediction = next
	}

	if prediction.Status != StatusSucceeded {
		return nil, fmt.Errorf("%w: prediction %s %s: %v", ErrPredictionFailed, prediction.Id, prediction.Status, prediction.Error)
	}

	return outputURLs(prediction.Output), nil
}
