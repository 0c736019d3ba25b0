package imagex

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// uploadServer records the last multipart upload it received.
type uploadServer struct {
	rescd     string
	lastName  string
	lastPath  string
	lastBytes []byte
	lastCT    string
	callCount int
}

func (s *uploadServer) handler(w http.ResponseWriter, r *http.Request) {
	s.callCount++
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("img")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	s.lastName = hdr.Filename
	s.lastCT = hdr.Header.Get("Content-Type")
	s.lastBytes, _ = io.ReadAll(file)
	s.lastPath = r.FormValue("img_path")
	w.Write([]byte(`{"rescd": "` + s.rescd + `"}`))
}

func newTestUploader(t *testing.T, srv *uploadServer) (*Uploader, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return NewUploader(u.Hostname(), port, 3, zap.NewNop()), ts
}

func TestUploadBytesSuccess(t *testing.T) {
	srv := &uploadServer{rescd: "00"}
	up, _ := newTestUploader(t, srv)

	err := up.UploadBytes(context.Background(), "10_abc.jpg", []byte{0xff, 0xd8}, "/remote/CAM01/2023/11/14")
	if err != nil {
		t.Fatalf("UploadBytes: %v", err)
	}
	if srv.lastName != "10_abc.jpg" {
		t.Errorf("uploaded filename = %q", srv.lastName)
	}
	if srv.lastPath != "/remote/CAM01/2023/11/14" {
		t.Errorf("img_path = %q", srv.lastPath)
	}
	if srv.lastCT != "image/jpeg" {
		t.Errorf("part content-type = %q", srv.lastCT)
	}
	if string(srv.lastBytes) != "\xff\xd8" {
		t.Errorf("uploaded bytes = %v", srv.lastBytes)
	}
}

func TestUploadRejectedRescd(t *testing.T) {
	srv := &uploadServer{rescd: "99"}
	up, _ := newTestUploader(t, srv)

	err := up.UploadBytes(context.Background(), "x.jpg", []byte{1}, "/remote")
	if err == nil {
		t.Fatal("rescd 99 reported success")
	}
	if !strings.Contains(err.Error(), "99") {
		t.Errorf("error does not carry the rescd: %v", err)
	}
}

func TestUploadNetworkErrorFails(t *testing.T) {
	srv := &uploadServer{rescd: "00"}
	up, ts := newTestUploader(t, srv)
	ts.Close()

	if err := up.UploadBytes(context.Background(), "x.jpg", []byte{1}, "/remote"); err == nil {
		t.Fatal("upload against a closed server reported success")
	}
}

func TestUploadFileReadsAndNames(t *testing.T) {
	srv := &uploadServer{rescd: "00"}
	up, _ := newTestUploader(t, srv)

	dir := t.TempDir()
	path := filepath.Join(dir, "777_2_1700000002.jpg")
	if err := os.WriteFile(path, []byte("jpeg-data"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := up.UploadFile(context.Background(), path, "/remote/dir"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if srv.lastName != "777_2_1700000002.jpg" {
		t.Errorf("uploaded filename = %q", srv.lastName)
	}
	if string(srv.lastBytes) != "jpeg-data" {
		t.Errorf("uploaded bytes = %q", srv.lastBytes)
	}

	if err := up.UploadFile(context.Background(), filepath.Join(dir, "missing.jpg"), "/remote"); err == nil {
		t.Error("missing file reported success")
	}
}

func TestSweeperRemovesOnlyStaleImages(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.jpg")
	fresh := filepath.Join(dir, "new.jpg")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{stale, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, past, past); err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(600, zap.NewNop())
	s.Register(dir)
	s.Sweep(time.Now())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale image not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh image removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-image file removed")
	}
}
