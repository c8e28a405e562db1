package api

import (
	"time"

	"github.com/google/uuid"
)

// SessionHeader carries the caller's session token. Requests without one use
// the shared default session.
const SessionHeader = "X-Session-Id"

type MessageResponse struct {
	Message string `json:"message"`
}

type UploadResponse struct {
	Message   string    `json:"message"`
	SessionId string    `json:"session_id,omitempty"`
	UploadId  uuid.UUID `json:"upload_id"`
	Archive   string    `json:"archive"`
	Entries   int       `json:"entries"`
	Extracted bool      `json:"extracted"`
}

type CreateModelRequest struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
	Hardware    string `json:"hardware,omitempty"`
}

type FineTuneRequest struct {
	Destination string `json:"destination"`
	TriggerWord string `json:"trigger_word"`
	SessionId   string `json:"session_id,omitempty"`
}

type FineTuneResponse struct {
	Message    string `json:"message"`
	TrainingId string `json:"training_id"`
}

type GenerateImageRequest struct {
	Prompt    string `json:"prompt"`
	OwnerName string `json:"owner_name"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

type GenerateImageResponse struct {
	ImageURL string `json:"image_url"`
}

type ListTrainingsParams struct {
	Destination string `schema:"destination"`
	Limit       int    `schema:"limit"`
}

type Training struct {
	TrainingId   string    `json:"training_id"`
	Destination  string    `json:"destination"`
	TriggerWord  string    `json:"trigger_word"`
	Trainer      string    `json:"trainer"`
	Status       string    `json:"status"`
	CreationTime time.Time `json:"creation_time"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}
