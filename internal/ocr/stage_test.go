package ocr

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
)

// fakeDetector maps vehicle image content to plate crops.
type fakeDetector struct {
	plates map[string][]byte
	calls  int
}

func (f *fakeDetector) DetectPlate(_ context.Context, img []byte) ([]byte, error) {
	f.calls++
	return f.plates[string(img)], nil
}

// fakeReader maps plate crops to character sets.
type fakeReader struct {
	chars map[string][]Char
}

func (f *fakeReader) ReadChars(_ context.Context, plate []byte) ([]Char, error) {
	return f.chars[string(plate)], nil
}

func (f *fakeReader) ClassName(id int) string { return "?" }

func writeImage(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func raw4KRecord(dir string) record.Record {
	rec := record.New(record.TypeVehicleRaw4K)
	rec[record.KeyCarID4K] = "42"
	rec[record.KeyStopPassTime] = "1700000000"
	rec[record.KeyLaneNo] = "3"
	rec[record.KeyVehicleClass] = "PCAR"
	rec[record.KeyImagePathName] = dir
	return rec
}

func newTestStage(detector PlateDetector, reader CharReader) (*Stage, *queue.Queue[record.Record]) {
	out := queue.New[record.Record]()
	return NewStage(queue.New[record.Record](), out, detector, reader, 416, 256, 0, zap.NewNop()), out
}

func TestBestOfTwoCandidates(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "42_a.jpg", "image-a")
	writeImage(t, dir, "42_b.jpg", "image-b")
	writeImage(t, dir, "99_c.jpg", "other-car")

	detector := &fakeDetector{plates: map[string][]byte{
		"image-a": []byte("plate-a"),
		"image-b": []byte("plate-b"),
	}}
	reader := &fakeReader{chars: map[string][]Char{
		// Score 3.2 vs 4.8; the b reading must win.
		"plate-a": {{X: 5, Y: 5, W: 10, H: 10, Conf: 3.2, ClassID: 1}},
		"plate-b": {{X: 5, Y: 5, W: 10, H: 10, Conf: 4.8, ClassID: 2}},
	}}

	stage, out := newTestStage(detector, reader)
	stage.Process(context.Background(), raw4KRecord(dir))

	rec, ok := out.TryGet()
	if !ok {
		t.Fatal("no record forwarded")
	}
	if rec.Str(record.KeyPlateNum) != "2" {
		t.Errorf("plate_num = %q, want the higher-scored reading 2", rec.Str(record.KeyPlateNum))
	}
	if rec.Str(record.KeyPlateDetected) != record.PlateYes {
		t.Errorf("plate_detected = %q", rec.Str(record.KeyPlateDetected))
	}
	if !bytes.Equal(rec.Bytes(record.KeyImageBytes), []byte("image-b")) {
		t.Errorf("image bytes = %q", rec.Bytes(record.KeyImageBytes))
	}
	if !bytes.Equal(rec.Bytes(record.KeyPlateImageBytes), []byte("plate-b")) {
		t.Errorf("plate bytes = %q", rec.Bytes(record.KeyPlateImageBytes))
	}
	if rec.Str(record.KeyCarImageFileName) != "42_PCAR_3_1700000000.jpg" {
		t.Errorf("car_image_file_name = %q", rec.Str(record.KeyCarImageFileName))
	}
	if rec.Str(record.KeyPlateImageName) != "42.jpg" {
		t.Errorf("plate_image_file_name = %q", rec.Str(record.KeyPlateImageName))
	}

	// Both candidate files must be deleted; the other car's file stays.
	for _, name := range []string{"42_a.jpg", "42_b.jpg"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("candidate %s not deleted", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "99_c.jpg")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestProcessForwardsExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "42_a.jpg", "image-a")

	detector := &fakeDetector{plates: map[string][]byte{
		"image-a": []byte("plate-a"),
	}}
	reader := &fakeReader{chars: map[string][]Char{
		"plate-a": {{X: 5, Y: 5, W: 10, H: 10, Conf: 4.8, ClassID: 2}},
	}}

	stage, out := newTestStage(detector, reader)
	stage.Process(context.Background(), raw4KRecord(dir))

	if _, ok := out.TryGet(); !ok {
		t.Fatal("no record forwarded")
	}
	// The output queue feeds the sender alone; the lane number is still in
	// detector space here and must never reach the merger.
	if _, ok := out.TryGet(); ok {
		t.Error("record forwarded more than once")
	}
}

func TestNoCandidatesForwardsSentinels(t *testing.T) {
	stage, out := newTestStage(&fakeDetector{}, &fakeReader{})
	stage.Process(context.Background(), raw4KRecord(t.TempDir()))

	rec, ok := out.TryGet()
	if !ok {
		t.Fatal("no record forwarded")
	}
	if rec.Str(record.KeyPlateNum) != record.NoPlate {
		t.Errorf("plate_num = %q", rec.Str(record.KeyPlateNum))
	}
	if rec.Str(record.KeyPlateDetected) != record.PlateNo {
		t.Errorf("plate_detected = %q", rec.Str(record.KeyPlateDetected))
	}
	for _, key := range []string{record.KeyImagePathName, record.KeyCarImageFileName, record.KeyPlateImageName} {
		if rec.Str(key) != record.NoImage {
			t.Errorf("%s = %q, want %q", key, rec.Str(key), record.NoImage)
		}
	}
}

func TestNoPlateFoundKeepsVehicleImage(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "42_a.jpg", "image-a")

	// Detector finds nothing in the frame.
	stage, out := newTestStage(&fakeDetector{plates: map[string][]byte{}}, &fakeReader{})
	stage.Process(context.Background(), raw4KRecord(dir))

	rec, ok := out.TryGet()
	if !ok {
		t.Fatal("no record forwarded")
	}
	if rec.Str(record.KeyPlateNum) != record.NoPlate {
		t.Errorf("plate_num = %q", rec.Str(record.KeyPlateNum))
	}
	if rec.Str(record.KeyPlateDetected) != record.PlateNo {
		t.Errorf("plate_detected = %q", rec.Str(record.KeyPlateDetected))
	}
	if !bytes.Equal(rec.Bytes(record.KeyImageBytes), []byte("image-a")) {
		t.Error("vehicle image not attached as fallback")
	}
	if rec.Has(record.KeyPlateImageBytes) {
		t.Error("plate bytes attached without a detected plate")
	}
}

func TestMotorcycleSkipsDetection(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "42_a.jpg", "frame-1")
	writeImage(t, dir, "42_b.jpg", "frame-2")

	detector := &fakeDetector{plates: map[string][]byte{}}
	stage, out := newTestStage(detector, &fakeReader{})

	rec := raw4KRecord(dir)
	rec[record.KeyVehicleClass] = record.ClassMotorcycle
	stage.Process(context.Background(), rec)

	got, ok := out.TryGet()
	if !ok {
		t.Fatal("no record forwarded")
	}
	if detector.calls != 0 {
		t.Errorf("detector called %d times for a motorcycle", detector.calls)
	}
	if !bytes.Equal(got.Bytes(record.KeyImageBytes), []byte("frame-1")) {
		t.Error("first frame not kept as fallback image")
	}
	if got.Str(record.KeyPlateNum) != record.NoPlate {
		t.Errorf("plate_num = %q", got.Str(record.KeyPlateNum))
	}
}
