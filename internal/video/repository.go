package video

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const videoColumns = `id, owner_id, title, description, video_url, thumbnail_url, published, created_at, updated_at`

func (r *Repository) List(ctx context.Context) ([]Video, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE published
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	videos := make([]Video, 0)
	for rows.Next() {
		var v Video
		if err := rows.Scan(&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.VideoURL, &v.ThumbnailURL, &v.Published, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}

	return videos, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Video, error) {
	var v Video
	err := r.db.QueryRowContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE id = $1
	`, id).Scan(&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.VideoURL, &v.ThumbnailURL, &v.Published, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Video{}, err
		}
		return Video{}, fmt.Errorf("query video by id: %w", err)
	}

	return v, nil
}

func (r *Repository) Create(ctx context.Context, ownerID string, input VideoInput) (Video, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Video{}, fmt.Errorf("generate video id: %w", err)
	}

	now := time.Now().UTC()
	v := Video{
		ID:           id.String(),
		OwnerID:      ownerID,
		Title:        input.Title,
		Description:  input.Description,
		VideoURL:     input.VideoURL,
		ThumbnailURL: input.ThumbnailURL,
		Published:    input.Published,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO videos (id, owner_id, title, description, video_url, thumbnail_url, published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.OwnerID, v.Title, v.Description, v.VideoURL, v.ThumbnailURL, v.Published, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return Video{}, fmt.Errorf("insert video: %w", err)
	}

	return v, nil
}

// Update rewrites the mutable fields of a video the caller owns. The owner
// check is part of the WHERE clause so a non-owner cannot race past it.
func (r *Repository) Update(ctx context.Context, id, ownerID string, input VideoInput) (Video, error) {
	var v Video
	err := r.db.QueryRowContext(ctx, `
		UPDATE videos
		SET title = $3, description = $4, video_url = $5, thumbnail_url = $6, published = $7, updated_at = $8
		WHERE id = $1 AND owner_id = $2
		RETURNING `+videoColumns+`
	`, id, ownerID, input.Title, input.Description, input.VideoURL, input.ThumbnailURL, input.Published, time.Now().UTC()).
		Scan(&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.VideoURL, &v.ThumbnailURL, &v.Published, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Video{}, err
		}
		return Video{}, fmt.Errorf("update video: %w", err)
	}

	return v, nil
}

func (r *Repository) Delete(ctx context.Context, id, ownerID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM videos WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
