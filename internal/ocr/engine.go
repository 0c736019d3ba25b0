package ocr

import "context"

// PlateDetector locates the license plate in a vehicle image and returns the
// cropped plate image. A nil crop with nil error means no plate was found.
// Inference lives behind this interface; the stage only owns selection and
// layout.
type PlateDetector interface {
	DetectPlate(ctx context.Context, img []byte) ([]byte, error)
}

// CharReader runs character recognition over a cropped plate image.
type CharReader interface {
	ReadChars(ctx context.Context, plate []byte) ([]Char, error)
	ClassName(id int) string
}

// WarmUp primes both models with zero-filled frames so the first real
// request does not pay initialization cost. Errors are returned for logging
// only; a failed warm-up run does not block the stage.
func WarmUp(ctx context.Context, detector PlateDetector, reader CharReader, plateSize, charSize, runs int) error {
	plateFrame := make([]byte, plateSize*plateSize*3)
	charFrame := make([]byte, charSize*charSize*3)
	var firstErr error
	for i := 0; i < runs; i++ {
		if _, err := detector.DetectPlate(ctx, plateFrame); err != nil && firstErr == nil {
			firstErr = err
		}
		if _, err := reader.ReadChars(ctx, charFrame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
