package clip

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/telemetry"
)

// DBSink writes records to the clips table. Writes are not retried: a failed
// insert is reported to the caller and the record is lost.
type DBSink struct {
	db *sql.DB
}

// NewDBSink returns a sink over an open, migrated database.
func NewDBSink(database *sql.DB) *DBSink { return &DBSink{db: database} }

// Persist inserts r. A record whose clip id is already stored is a no-op.
func (s *DBSink) Persist(ctx context.Context, r Record) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "clip.persist",
		attribute.Int64("broadcaster_id", r.BroadcasterID),
		attribute.String("clip_id", r.ClipID))
	defer span.End()

	var (
		inserted bool
		err      error
	)
	telemetry.TimeFunc(telemetry.SinkWriteDuration, func() {
		inserted, err = db.InsertClip(ctx, s.db, db.Clip{
			BroadcasterID: r.BroadcasterID,
			ClipID:        r.ClipID,
			EmbedURL:      r.EmbedURL,
			ThumbnailURL:  r.ThumbnailURL,
			Intensity:     r.Intensity,
			DetectedAt:    r.DetectedAt,
			CreatedAt:     r.CreatedAt,
		})
	})
	switch {
	case err != nil:
		telemetry.RecordSinkWrite("error")
		telemetry.RecordError(span, err)
		return false, err
	case !inserted:
		telemetry.RecordSinkWrite("duplicate")
	default:
		telemetry.RecordSinkWrite("inserted")
	}
	span.SetAttributes(attribute.Bool("inserted", inserted))
	return inserted, nil
}
