package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteDetectPlate(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{
			"plate": base64.StdEncoding.EncodeToString([]byte("plate-crop")),
		})
	}))
	defer ts.Close()

	e := NewRemoteEngine(ts.URL, ts.URL, nil, 2)
	crop, err := e.DetectPlate(context.Background(), []byte("vehicle-img"))
	if err != nil {
		t.Fatalf("DetectPlate: %v", err)
	}
	if string(crop) != "plate-crop" {
		t.Errorf("crop = %q", crop)
	}
	if string(gotBody) != "vehicle-img" {
		t.Errorf("request body = %q", gotBody)
	}
}

func TestRemoteDetectPlateNone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"plate": null}`))
	}))
	defer ts.Close()

	e := NewRemoteEngine(ts.URL, ts.URL, nil, 2)
	crop, err := e.DetectPlate(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("DetectPlate: %v", err)
	}
	if crop != nil {
		t.Errorf("crop = %v, want nil for no plate", crop)
	}
}

func TestRemoteReadChars(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chars": [{"x": 5, "y": 3, "w": 10, "h": 12, "conf": 0.9, "class_id": 12}]}`))
	}))
	defer ts.Close()

	e := NewRemoteEngine(ts.URL, ts.URL, []string{"A", "B", "C"}, 2)
	chars, err := e.ReadChars(context.Background(), []byte("plate"))
	if err != nil {
		t.Fatalf("ReadChars: %v", err)
	}
	if len(chars) != 1 {
		t.Fatalf("chars = %d", len(chars))
	}
	if chars[0].Conf != 0.9 || chars[0].ClassID != 12 {
		t.Errorf("char = %+v", chars[0])
	}
}

func TestRemoteErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	e := NewRemoteEngine(ts.URL, ts.URL, nil, 2)
	if _, err := e.DetectPlate(context.Background(), []byte("x")); err == nil {
		t.Fatal("503 reported success")
	}
}

func TestClassNameAlphabet(t *testing.T) {
	e := NewRemoteEngine("", "", []string{"GA", "NA"}, 2)
	if got := e.ClassName(10); got != "GA" {
		t.Errorf("ClassName(10) = %q", got)
	}
	if got := e.ClassName(11); got != "NA" {
		t.Errorf("ClassName(11) = %q", got)
	}
	if got := e.ClassName(99); got != "?" {
		t.Errorf("ClassName(99) = %q", got)
	}
}
