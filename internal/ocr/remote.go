package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEngine drives plate detection and character recognition through a
// sidecar inference service: raw JPEG in, JSON out. The service holds the
// models; this process only owns candidate selection and plate layout.
type RemoteEngine struct {
	detectorURL string
	readerURL   string
	classNames  []string
	client      *http.Client
}

func NewRemoteEngine(detectorURL, readerURL string, classNames []string, timeoutSeconds int) *RemoteEngine {
	return &RemoteEngine{
		detectorURL: detectorURL,
		readerURL:   readerURL,
		classNames:  classNames,
		client: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

// DetectPlate posts the vehicle image and returns the plate crop, or nil when
// the detector saw no plate.
func (e *RemoteEngine) DetectPlate(ctx context.Context, img []byte) ([]byte, error) {
	var out struct {
		Plate []byte `json:"plate"` // base64 in the JSON body
	}
	if err := e.post(ctx, e.detectorURL, img, &out); err != nil {
		return nil, err
	}
	if len(out.Plate) == 0 {
		return nil, nil
	}
	return out.Plate, nil
}

// ReadChars posts the plate crop and returns the raw character boxes.
func (e *RemoteEngine) ReadChars(ctx context.Context, plate []byte) ([]Char, error) {
	var out struct {
		Chars []struct {
			X       float64 `json:"x"`
			Y       float64 `json:"y"`
			W       float64 `json:"w"`
			H       float64 `json:"h"`
			Conf    float64 `json:"conf"`
			ClassID int     `json:"class_id"`
		} `json:"chars"`
	}
	if err := e.post(ctx, e.readerURL, plate, &out); err != nil {
		return nil, err
	}
	chars := make([]Char, len(out.Chars))
	for i, c := range out.Chars {
		chars[i] = Char{X: c.X, Y: c.Y, W: c.W, H: c.H, Conf: c.Conf, ClassID: c.ClassID}
	}
	return chars, nil
}

// ClassName maps non-digit class ids onto the configured alphabet.
func (e *RemoteEngine) ClassName(id int) string {
	idx := id - 10
	if idx < 0 || idx >= len(e.classNames) {
		return "?"
	}
	return e.classNames[idx]
}

func (e *RemoteEngine) post(ctx context.Context, url string, img []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(img))
	if err != nil {
		return fmt.Errorf("building inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling inference service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading inference response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding inference response: %w", err)
	}
	return nil
}
