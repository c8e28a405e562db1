package ui

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"flux-gateway/internal/session"
	"flux-gateway/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	sessionCookie  = "session"
	maxMemoryBytes = 32 << 20
)

var (
	hardwareOptions   = []string{"gpu-a40-large", "gpu-t4", "cpu"}
	visibilityOptions = []string{"public", "private"}

	errNoFiles = errors.New("choose at least one file to upload")
)

type Page struct {
	Path  string
	Title string
	file  string
}

var (
	uploadPage      = Page{Path: "/upload", Title: "Upload Files", file: "upload.html"}
	createModelPage = Page{Path: "/create_model", Title: "Create Model", file: "create_model.html"}
	fineTunePage    = Page{Path: "/fine_tune", Title: "Fine-Tune Model", file: "fine_tune.html"}
	generatePage    = Page{Path: "/generate", Title: "Generate Image", file: "generate.html"}

	pages = []Page{uploadPage, createModelPage, fineTunePage, generatePage}
)

type view struct {
	Title  string
	Active string
	Pages  []Page

	Hardware     []string
	Visibilities []string

	Result   string
	ImageURL string
	Error    string
}

// Server renders the form pages and relays each submitted form to the
// gateway, showing whatever the gateway returns.
type Server struct {
	client    *resty.Client
	templates map[string]*template.Template
	decoder   *schema.Decoder
}

func NewServer(apiBaseURL string, timeout time.Duration) (*Server, error) {
	templates := make(map[string]*template.Template, len(pages))
	for _, p := range pages {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+p.file)
		if err != nil {
			return nil, fmt.Errorf("error parsing template %s: %w", p.file, err)
		}
		templates[p.Path] = tmpl
	}

	decoder := schema.NewDecoder()
	decoder.SetAliasTag("json")
	decoder.IgnoreUnknownKeys(true)

	client := resty.New().
		SetBaseURL(apiBaseURL).
		SetTimeout(timeout)

	return &Server{client: client, templates: templates, decoder: decoder}, nil
}

func (s *Server) AddRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, uploadPage.Path, http.StatusSeeOther)
	})

	for _, p := range pages {
		r.Get(p.Path, s.show(p))
	}

	r.Post(uploadPage.Path, s.submit(uploadPage, s.uploadFiles))
	r.Post(createModelPage.Path, s.submit(createModelPage, s.createModel))
	r.Post(fineTunePage.Path, s.submit(fineTunePage, s.fineTune))
	r.Post(generatePage.Path, s.submit(generatePage, s.generateImage))
}

// sessionId returns the browser's session token, issuing a new cookie if it
// does not have a valid one yet.
func sessionId(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && session.ValidateToken(cookie.Value) == nil {
		return cookie.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func newView(p Page) view {
	return view{
		Title:        p.Title,
		Active:       p.Path,
		Pages:        pages,
		Hardware:     hardwareOptions,
		Visibilities: visibilityOptions,
	}
}

func (s *Server) show(p Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionId(w, r)
		s.render(w, p, newView(p))
	}
}

type action func(r *http.Request, sessionId string) (*resty.Response, error)

func (s *Server) submit(p Page, do action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionId(w, r)
		v := newView(p)

		res, err := do(r, id)
		if err != nil {
			slog.Error("error calling gateway", "page", p.Path, "session_id", id, "error", err)
			if errors.Is(err, errNoFiles) {
				v.Error = err.Error()
			} else {
				v.Error = "Unable to reach the gateway. Check that the API server is running."
			}
			s.render(w, p, v)
			return
		}

		v.Result = formatJSON(res.Body())
		if res.IsError() {
			v.Error = fmt.Sprintf("Request failed with status %d.", res.StatusCode())
		} else {
			var image api.GenerateImageResponse
			if err := json.Unmarshal(res.Body(), &image); err == nil {
				v.ImageURL = image.ImageURL
			}
		}

		s.render(w, p, v)
	}
}

func (s *Server) render(w http.ResponseWriter, p Page, v view) {
	buf := new(bytes.Buffer)
	if err := s.templates[p.Path].ExecuteTemplate(buf, "layout", v); err != nil {
		slog.Error("error rendering page", "page", p.Path, "error", err)
		http.Error(w, "error rendering page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		slog.Error("error writing page", "page", p.Path, "error", err)
	}
}

func formatJSON(body []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return string(body)
	}
	return out.String()
}

func (s *Server) uploadFiles(r *http.Request, sessionId string) (*resty.Response, error) {
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		return nil, errNoFiles
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return nil, errNoFiles
	}

	req := s.client.R().
		SetContext(r.Context()).
		SetHeader(api.SessionHeader, sessionId)

	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("error opening uploaded file '%s': %w", header.Filename, err)
		}
		defer file.Close()
		req.SetFileReader("files", header.Filename, file)
	}

	return req.Post("/upload_files")
}

func parseForm[T any](s *Server, r *http.Request) (T, error) {
	var data T
	if err := r.ParseForm(); err != nil {
		return data, fmt.Errorf("error parsing form: %w", err)
	}
	if err := s.decoder.Decode(&data, r.PostForm); err != nil {
		return data, fmt.Errorf("error decoding form: %w", err)
	}
	return data, nil
}

func (s *Server) postJSON(r *http.Request, sessionId, path string, body any) (*resty.Response, error) {
	return s.client.R().
		SetContext(r.Context()).
		SetHeader(api.SessionHeader, sessionId).
		SetBody(body).
		Post(path)
}

func (s *Server) createModel(r *http.Request, sessionId string) (*resty.Response, error) {
	req, err := parseForm[api.CreateModelRequest](s, r)
	if err != nil {
		return nil, err
	}
	return s.postJSON(r, sessionId, "/create_model", req)
}

func (s *Server) fineTune(r *http.Request, sessionId string) (*resty.Response, error) {
	req, err := parseForm[api.FineTuneRequest](s, r)
	if err != nil {
		return nil, err
	}
	// The session always comes from the cookie.
	req.SessionId = ""
	return s.postJSON(r, sessionId, "/fine_tune_model", req)
}

func (s *Server) generateImage(r *http.Request, sessionId string) (*resty.Response, error) {
	req, err := parseForm[api.GenerateImageRequest](s, r)
	if err != nil {
		return nil, err
	}
	return s.postJSON(r, sessionId, "/generate_image", req)
}
