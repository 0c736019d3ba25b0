package sender

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// The image server organises files by the local wall clock of the site, nine
// hours ahead of UTC.
const tzOffsetSeconds = 9 * 3600

// Remote directory granularities. Vehicle and incident images are bucketed to
// the minute, queue snapshots to the day.
const (
	granularityMinute = iota
	granularityDay
)

// imageTime derives the capture time from the trailing underscore token of
// the original filename (unix seconds). Files without a parseable token fall
// back to the current time.
func imageTime(originalName string, now time.Time) time.Time {
	name := strings.TrimSuffix(originalName, path.Ext(originalName))
	tokens := strings.Split(name, "_")
	secs, err := strconv.ParseInt(tokens[len(tokens)-1], 10, 64)
	if err != nil || secs <= 0 {
		secs = now.Unix()
	}
	return time.Unix(secs+tzOffsetSeconds, 0).UTC()
}

// RemoteDir builds the upload directory for one image.
func RemoteDir(base, cameraID, originalName string, granularity int, now time.Time) string {
	t := imageTime(originalName, now)
	datePart := fmt.Sprintf("%04d/%02d/%02d", t.Year(), t.Month(), t.Day())
	if granularity == granularityDay {
		return path.Join(base, cameraID, datePart)
	}
	return path.Join(base, cameraID, datePart, fmt.Sprintf("%02d/%02d", t.Hour(), t.Minute()))
}
