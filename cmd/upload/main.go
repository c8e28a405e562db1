package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"flux-gateway/cmd"
	"flux-gateway/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

// Uploads every regular file in a directory to the gateway as one batch.
func main() {
	dir := flag.String("dir", "", "directory of training images, or a directory holding a single zip archive")
	apiURL := flag.String("api", "http://localhost:8000", "gateway base url")
	session := flag.String("session", "", "session id to upload into, the gateway default session is used if empty")
	timeout := flag.Duration("timeout", 30*time.Minute, "upload timeout")

	cmd.LoadEnvFile()

	if *dir == "" {
		log.Fatalf("-dir must be specified")
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		log.Fatalf("error reading directory '%s': %v", *dir, err)
	}

	client := resty.New().SetBaseURL(*apiURL).SetTimeout(*timeout)
	req := client.R().
		SetResult(&api.UploadResponse{}).
		SetError(&api.ErrorResponse{})
	if *session != "" {
		req.SetHeader(api.SessionHeader, *session)
	}

	var files []*os.File
	var total int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Fatalf("error reading file info for '%s': %v", entry.Name(), err)
		}
		f, err := os.Open(filepath.Join(*dir, entry.Name()))
		if err != nil {
			log.Fatalf("error opening '%s': %v", entry.Name(), err)
		}
		defer f.Close()

		files = append(files, f)
		total += info.Size()
	}

	if len(files) == 0 {
		log.Fatalf("no files found in '%s'", *dir)
	}

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(fmt.Sprintf("uploading %d files", len(files))),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	for _, f := range files {
		reader := progressbar.NewReader(f, bar)
		req.SetFileReader("files", filepath.Base(f.Name()), &reader)
	}

	res, err := req.Post("/upload_files")
	if err != nil {
		log.Fatalf("error uploading files: %v", err)
	}
	_ = bar.Finish()

	if res.IsError() {
		log.Fatalf("upload rejected (%d): %s", res.StatusCode(), res.Error().(*api.ErrorResponse).Detail)
	}

	result := res.Result().(*api.UploadResponse)
	fmt.Printf("%s\narchive: %s (%d entries)\nsession_id: %s\nupload_id: %s\n", result.Message, result.Archive, result.Entries, result.SessionId, result.UploadId)
}
