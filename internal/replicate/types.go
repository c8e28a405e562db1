package replicate

import (
	"fmt"
	"strings"
)

const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

func isTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

type URLs struct {
	Get    string `json:"get,omitempty"`
	Cancel string `json:"cancel,omitempty"`
	Stream string `json:"stream,omitempty"`
}

type CreateModelRequest struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Visibility  string `json:"visibility"`
	Hardware    string `json:"hardware"`
	Description string `json:"description,omitempty"`
}

type Model struct {
	URL         string `json:"url"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

type File struct {
	Id          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URLs        URLs   `json:"urls"`
}

type TrainingRequest struct {
	// Trainer is the trainer model reference in owner/name:version form.
	Trainer     string         `json:"-"`
	Destination string         `json:"destination"`
	Input       map[string]any `json:"input"`
	Webhook     string         `json:"webhook,omitempty"`
}

type Training struct {
	Id      string `json:"id"`
	Model   string `json:"model"`
	Version string `json:"version"`
	Status  string `json:"status"`
	URLs    URLs   `json:"urls"`
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type Prediction struct {
	Id     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
	URLs   URLs   `json:"urls"`
}

// ModelRef identifies a hosted model version.
type ModelRef struct {
	Owner   string
	Name    string
	Version string
}

func (r ModelRef) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Owner, r.Name, r.Version)
}

// ParseModelRef parses a reference of the form owner/name:version.
func ParseModelRef(ref string) (ModelRef, error) {
	model, version, ok := strings.Cut(ref, ":")
	if !ok || version == "" {
		return ModelRef{}, fmt.Errorf("invalid model reference '%s': expected owner/name:version", ref)
	}

	owner, name, ok := strings.Cut(model, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ModelRef{}, fmt.Errorf("invalid model reference '%s': expected owner/name:version", ref)
	}

	return ModelRef{Owner: owner, Name: name, Version: version}, nil
}

// outputURLs normalizes a prediction output, which is either a single value or
// a list of values, into a list of strings.
func outputURLs(output any) []string {
	var urls []string
	switch v := output.(type) {
	case string:
		if v != "" {
			urls = append(urls, v)
		}
	case []any:
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				urls = append(urls, str)
			}
		}
	}
	return urls
}
