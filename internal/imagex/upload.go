// Package imagex talks to the remote image server and keeps local image
// directories from filling the disk.
package imagex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const uploadPath = "/upload"

// Uploader posts images to the remote image server. An upload counts as
// delivered only when the server acknowledges with rescd "00"; every other
// outcome, timeouts included, reports failure so the record spools.
type Uploader struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewUploader(host string, port, timeoutSeconds int, logger *zap.Logger) *Uploader {
	return &Uploader{
		baseURL: fmt.Sprintf("http://%s:%d%s", host, port, uploadPath),
		client: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// UploadFile reads a local image and posts it under its own filename.
func (u *Uploader) UploadFile(ctx context.Context, localPath, remoteDir string) error {
	img, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading image %s: %w", localPath, err)
	}
	return u.UploadBytes(ctx, filepath.Base(localPath), img, remoteDir)
}

// UploadBytes posts an in-memory image under the given filename.
func (u *Uploader) UploadBytes(ctx context.Context, name string, img []byte, remoteDir string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="img"; filename="%s"`, name))
	hdr.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if err := w.WriteField("img_path", remoteDir); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL, &body)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading upload response for %s: %w", name, err)
	}
	var ack struct {
		Rescd string `json:"rescd"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decoding upload response for %s: %w", name, err)
	}
	if ack.Rescd != "00" {
		return fmt.Errorf("upload of %s rejected with rescd %q", name, ack.Rescd)
	}

	u.logger.Debug("image uploaded",
		zap.String("name", name),
		zap.String("remote_dir", remoteDir),
		zap.Int("bytes", len(img)),
	)
	return nil
}
