package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SessionRecord is one archived recording session.
type SessionRecord struct {
	ID         string     `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	MasterPath string     `json:"masterPath" gorm:"column:master_path;not null;default:''"`
	StartedAt  time.Time  `json:"startedAt" gorm:"column:started_at;not null"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty" gorm:"column:stopped_at"`
}

func (SessionRecord) TableName() string { return "sessions" }

// SegmentRecord is one archived transcript segment.
type SegmentRecord struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"column:session_id;type:varchar(36);not null;uniqueIndex:idx_session_chunk"`
	ChunkNumber int    `gorm:"column:chunk_number;not null;uniqueIndex:idx_session_chunk"`
	StartMillis int64  `gorm:"column:start_ms;not null"`
	EndMillis   int64  `gorm:"column:end_ms;not null"`
	Text        string `gorm:"column:text;type:text;not null;default:''"`
	Translation string `gorm:"column:translation;type:text;not null;default:''"`
	Failed      bool   `gorm:"column:failed;not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SegmentRecord) TableName() string { return "segments" }

func (r SegmentRecord) Segment() Segment {
	return Segment{
		ChunkNumber: r.ChunkNumber,
		StartTime:   time.Duration(r.StartMillis) * time.Millisecond,
		EndTime:     time.Duration(r.EndMillis) * time.Millisecond,
		Text:        r.Text,
		Failed:      r.Failed,
	}
}

// Archive persists transcripts in SQLite so they outlive the process.
type Archive struct {
	db *gorm.DB
}

// OpenArchive opens (creating if needed) the database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &SegmentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *Archive) StartSession(id, masterPath string, startedAt time.Time) error {
	rec := SessionRecord{ID: id, MasterPath: masterPath, StartedAt: startedAt}
	if err := a.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to archive session %s: %w", id, err)
	}
	return nil
}

func (a *Archive) FinishSession(id string, stoppedAt time.Time) error {
	res := a.db.Model(&SessionRecord{}).Where("id = ?", id).Update("stopped_at", stoppedAt)
	if res.Error != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// SaveSegment inserts seg, replacing any earlier row for the same chunk.
func (a *Archive) SaveSegment(sessionID string, seg Segment) error {
	rec := SegmentRecord{
		SessionID:   sessionID,
		ChunkNumber: seg.ChunkNumber,
		StartMillis: seg.StartTime.Milliseconds(),
		EndMillis:   seg.EndTime.Milliseconds(),
		Text:        seg.Text,
		Failed:      seg.Failed,
	}
	err := a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "chunk_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"start_ms", "end_ms", "text", "failed", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to archive segment %d: %w", seg.ChunkNumber, err)
	}
	return nil
}

func (a *Archive) SaveTranslation(sessionID string, chunkNumber int, text string) error {
	res := a.db.Model(&SegmentRecord{}).
		Where("session_id = ? AND chunk_number = ?", sessionID, chunkNumber).
		Update("translation", text)
	if res.Error != nil {
		return fmt.Errorf("failed to archive translation %d: %w", chunkNumber, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("segment %d: %w", chunkNumber, gorm.ErrRecordNotFound)
	}
	return nil
}

// Segments returns the archived segments of a session in time order.
func (a *Archive) Segments(sessionID string) ([]SegmentRecord, error) {
	var recs []SegmentRecord
	err := a.db.Where("session_id = ?", sessionID).Order("start_ms ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	return recs, nil
}

// Sessions lists archived sessions, newest first.
func (a *Archive) Sessions() ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := a.db.Order("started_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	return recs, nil
}

func (a *Archive) Session(id string) (SessionRecord, error) {
	var rec SessionRecord
	err := a.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("session %s: %w", id, err)
	}
	return rec, err
}

// Restore loads an archived session into a new Store.
func (a *Archive) Restore(sessionID string) (*Store, error) {
	recs, err := a.Segments(sessionID)
	if err != nil {
		return nil, err
	}
	s := NewStore()
	for _, r := range recs {
		s.Add(r.Segment())
		if r.Translation != "" {
			s.SetTranslation(r.ChunkNumber, r.Translation)
		}
	}
	return s, nil
}

// Follow persists every change published by store until ctx is done or
// the subscription closes. Events already buffered when ctx ends are still
// written.
func (a *Archive) Follow(ctx context.Context, sessionID string, store *Store) {
	events, unsubscribe := store.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					a.apply(sessionID, ev)
				default:
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.apply(sessionID, ev)
		}
	}
}

func (a *Archive) apply(sessionID string, ev Event) {
	var err error
	switch ev.Kind {
	case SegmentAdded:
		err = a.SaveSegment(sessionID, ev.Segment)
	case TranslationSet:
		err = a.SaveTranslation(sessionID, ev.Segment.ChunkNumber, ev.Translation)
	}
	if err != nil {
		slog.Warn("archive write failed", "session", sessionID, "error", err)
	}
}
