// Package sender delivers routed records to every configured sink at least
// once. Partial failure never loses data: whatever could not be delivered is
// snapshotted into the spool with its per-destination ledger intact.
package sender

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/trafficwatch/edge-handler/internal/config"
	"github.com/trafficwatch/edge-handler/internal/identity"
	"github.com/trafficwatch/edge-handler/internal/imagex"
	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/sink"
	"go.uber.org/zap"
)

// ImageUploader is the slice of the image client the sender needs.
type ImageUploader interface {
	UploadBytes(ctx context.Context, name string, img []byte, remoteDir string) error
}

type Sender struct {
	in       *queue.Queue[record.Record]
	sinks    []sink.Sink
	spool    *sink.LocalStore
	uploader ImageUploader
	sweeper  *imagex.Sweeper
	ident    *identity.Cell
	remote   config.ImageRemoteConfig
	now      func() time.Time
	logger   *zap.Logger
}

func New(in *queue.Queue[record.Record], sinks []sink.Sink, spool *sink.LocalStore,
	uploader ImageUploader, sweeper *imagex.Sweeper, ident *identity.Cell,
	remote config.ImageRemoteConfig, logger *zap.Logger) *Sender {
	return &Sender{
		in:       in,
		sinks:    sinks,
		spool:    spool,
		uploader: uploader,
		sweeper:  sweeper,
		ident:    ident,
		remote:   remote,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Sender) Run(ctx context.Context) {
	for {
		rec, err := s.in.Get(ctx)
		if err != nil {
			return
		}
		metrics.QueueDepth.WithLabelValues("server").Set(float64(s.in.Len()))
		s.Send(ctx, rec)
	}
}

// Send pushes one record at every pending destination. The record is dropped
// from memory afterwards: either everything succeeded, or the spool holds the
// snapshot for replay.
func (s *Sender) Send(ctx context.Context, rec record.Record) {
	dataType := rec.Type()

	info, ok := s.ident.Get()
	if !ok {
		// Nothing can be stamped or delivered before the camera identity
		// arrives; park the record as-is.
		s.toSpool(ctx, rec, "identity_unresolved")
		return
	}

	if !rec.Prepared() {
		s.prepare(rec, info, dataType)
	}
	rec.EnsureSentTo()

	dests := rec.SendTo()
	restricted := make(map[string]bool, len(dests))
	for _, d := range dests {
		restricted[d] = true
	}

	allOK := true
	for _, snk := range s.sinks {
		name := snk.Name()
		if len(dests) > 0 && !restricted[name] {
			continue
		}
		if rec.SentTo(name) {
			continue
		}
		err := snk.Insert(ctx, rec, dataType)
		rec.MarkSent(name, err == nil)
		if err != nil {
			allOK = false
			metrics.DeliveriesTotal.WithLabelValues(name, "error").Inc()
			s.logger.Warn("delivery failed",
				zap.String("sink", name),
				zap.String("data_type", dataType),
				zap.Error(err),
			)
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues(name, "ok").Inc()
	}

	if s.uploader != nil && uploadKinds[dataType] && !rec.SentTo(record.DestUpload) {
		err := s.upload(ctx, rec, dataType)
		rec.MarkSent(record.DestUpload, err == nil)
		if err != nil {
			allOK = false
			metrics.ImageUploadsTotal.WithLabelValues(dataType, "error").Inc()
			s.logger.Warn("image upload failed",
				zap.String("data_type", dataType),
				zap.Error(err),
			)
		} else {
			metrics.ImageUploadsTotal.WithLabelValues(dataType, "ok").Inc()
		}
	}

	if !allOK {
		s.toSpool(ctx, rec, "delivery_failed")
	}
}

// uploadKinds are the shapes that carry an image for the remote server.
// Merge records reference the image the 2K observation already uploaded, and
// lane-queue records share the approach snapshot's file.
var uploadKinds = map[string]bool{
	record.TypeVehicle2K:     true,
	record.TypeVehicleRaw4K:  true,
	record.TypeApproachQueue: true,
	record.TypeIncidentStart: true,
}

// idRewrites maps shapes whose primary id is replaced by the hashed unique
// key, with the pre-hash id preserved under object_id.
var idRewrites = map[string]string{
	record.TypeVehicle2K:    record.KeyCarID2K,
	record.TypeVehicleRaw4K: record.KeyCarID4K,
	record.TypeMerge:        record.KeyCarID,
}

// prepare runs the one-shot pre-send transformation: camera stamping, lane
// offset, unique-key hashing and image renaming. Replayed spool records skip
// it, so a half-delivered record is never re-hashed or re-renamed.
func (s *Sender) prepare(rec record.Record, info identity.Info, dataType string) {
	if !rec.Has(record.KeyCameraID) || rec.Str(record.KeyCameraID) == record.Null {
		rec[record.KeyCameraID] = info.CameraID
	}
	cameraID := rec.Str(record.KeyCameraID)

	if dataType == record.TypeVehicleRaw4K && info.LaneOffset > 0 {
		rec[record.KeyLaneNo] = rec.Int(record.KeyLaneNo) + int64(info.LaneOffset)
	}

	if plain := rec.Str(record.KeyUniqueKeyPlain); plain != record.Null {
		uk := record.UniqueKey(cameraID, plain)
		rec[record.KeyUniqueKey] = uk
		if idKey, ok := idRewrites[dataType]; ok {
			rec[record.KeyObjectID] = rec.Str(idKey)
			rec[idKey] = uk
		}
	}

	switch dataType {
	case record.TypeVehicle2K, record.TypeMerge:
		s.prepareLocalImage(rec, record.KeyCarImageFileName, "10",
			s.remote.CarImagePath2K, cameraID, granularityMinute)
	case record.TypeVehicleRaw4K:
		s.prepareRaw4KImages(rec, cameraID)
	case record.TypeIncidentStart:
		s.prepareLocalImage(rec, record.KeyImageFileName, "30",
			s.remote.AbnormalImagePath, cameraID, granularityMinute)
	case record.TypeApproachQueue, record.TypeLanesQueue:
		s.prepareQueueImage(rec, cameraID)
	}

	rec.SetPrepared()
}

// prepareLocalImage resolves the on-disk path of an image named in the
// record, rewrites the record's filename to the hashed upload name, and
// pins the remote directory.
func (s *Sender) prepareLocalImage(rec record.Record, nameKey, prefix, base, cameraID string, granularity int) {
	original := rec.Str(nameKey)
	if original == record.Null || original == record.NoImage {
		return
	}
	dir := rec.Str(record.KeyImagePathName)
	if dir != record.Null && dir != record.NoImage {
		rec[record.KeyImageFile] = filepath.Join(dir, original)
		if s.sweeper != nil {
			s.sweeper.Register(dir)
		}
	}
	rec[nameKey] = record.ImageName(prefix, filepath.Join(dir, original))
	rec[record.KeyRemoteDir] = RemoteDir(base, cameraID, original, granularity, s.now())
}

// prepareRaw4KImages renames the in-memory vehicle and plate crops.
func (s *Sender) prepareRaw4KImages(rec record.Record, cameraID string) {
	original := rec.Str(record.KeyCarImageFileName)
	if original == record.Null || original == record.NoImage {
		return
	}
	rec[record.KeyCarImageFileName] = record.ImageName("10", original)
	if rec.Bytes(record.KeyPlateImageBytes) != nil {
		rec[record.KeyPlateImageName] = record.ImageName("20", rec.Str(record.KeyPlateNum))
	} else {
		rec[record.KeyPlateImageName] = record.NoPlate
	}
	rec[record.KeyRemoteDir] = RemoteDir(s.remote.CarImagePath4K, cameraID, original, granularityMinute, s.now())
}

// prepareQueueImage keeps the snapshot's own name; queue images are bucketed
// by day only.
func (s *Sender) prepareQueueImage(rec record.Record, cameraID string) {
	original := rec.Str(record.KeyImageFileName)
	if original == record.Null || original == record.NoImage {
		return
	}
	dir := rec.Str(record.KeyImagePathName)
	if dir != record.Null && dir != record.NoImage {
		rec[record.KeyImageFile] = filepath.Join(dir, original+".jpg")
		if s.sweeper != nil {
			s.sweeper.Register(dir)
		}
	}
	rec[record.KeyRemoteDir] = RemoteDir(s.remote.QueueImagePath, cameraID, original, granularityDay, s.now())
}

func (s *Sender) upload(ctx context.Context, rec record.Record, dataType string) error {
	if dataType == record.TypeVehicleRaw4K {
		return s.uploadRaw4K(ctx, rec)
	}

	localPath := rec.Str(record.KeyImageFile)
	if localPath == record.Null {
		return nil
	}
	var name string
	switch dataType {
	case record.TypeVehicle2K:
		name = rec.Str(record.KeyCarImageFileName)
	case record.TypeIncidentStart:
		name = rec.Str(record.KeyImageFileName)
	default:
		// Queue snapshots keep their own name.
		name = path.Base(localPath)
	}

	img, err := os.ReadFile(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The file was already swept or consumed; there is nothing left
			// to retry against.
			s.logger.Warn("image file gone before upload", zap.String("path", localPath))
			return nil
		}
		return err
	}
	return s.uploader.UploadBytes(ctx, name, img, rec.Str(record.KeyRemoteDir))
}

// uploadRaw4K pushes the vehicle crop and, when present, the plate crop.
// Both must land before the buffers are released; a spooled snapshot with the
// buffers still attached replays the upload later.
func (s *Sender) uploadRaw4K(ctx context.Context, rec record.Record) error {
	remoteDir := rec.Str(record.KeyRemoteDir)

	if img := rec.Bytes(record.KeyImageBytes); img != nil {
		if err := s.uploader.UploadBytes(ctx, rec.Str(record.KeyCarImageFileName), img, remoteDir); err != nil {
			return err
		}
	}
	if plate := rec.Bytes(record.KeyPlateImageBytes); plate != nil {
		if err := s.uploader.UploadBytes(ctx, rec.Str(record.KeyPlateImageName), plate, remoteDir); err != nil {
			return err
		}
	}
	delete(rec, record.KeyImageBytes)
	delete(rec, record.KeyPlateImageBytes)
	return nil
}

func (s *Sender) toSpool(ctx context.Context, rec record.Record, reason string) {
	metrics.SpooledTotal.WithLabelValues(reason).Inc()
	if err := s.spool.SpoolPut(ctx, rec); err != nil {
		s.logger.Error("failed to spool record",
			zap.String("data_type", rec.Type()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("record spooled",
		zap.String("data_type", rec.Type()),
		zap.String("reason", reason),
	)
}
