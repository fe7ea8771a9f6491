package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autopost/internal/content"
)

// PutContent upserts the host-provided snapshot of a content item.
// Re-publishing content updates the snapshot; queue state is untouched.
func (s *sqliteStore) PutContent(ctx context.Context, item *content.Item) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if item == nil || item.ID == 0 {
		return errors.New("content item requires an id")
	}
	catIDs, err := json.Marshal(item.CategoryIDs)
	if err != nil {
		return err
	}
	cats, err := json.Marshal(item.Categories)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_items(content_id, title, permalink, image_path, category_ids, categories, tags, published_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(content_id) DO UPDATE SET
		   title = excluded.title,
		   permalink = excluded.permalink,
		   image_path = excluded.image_path,
		   category_ids = excluded.category_ids,
		   categories = excluded.categories,
		   tags = excluded.tags,
		   published_at = excluded.published_at`,
		item.ID, item.Title, item.Permalink, item.ImagePath,
		string(catIDs), string(cats), string(tags),
		item.PublishedAt.UTC().Format(timeLayout),
	)
	return err
}

func (s *sqliteStore) GetContent(ctx context.Context, contentID int64) (*content.Item, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var (
		item      content.Item
		catIDs    string
		cats      string
		tags      string
		published string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_id, title, permalink, image_path, category_ids, categories, tags, published_at
		 FROM content_items WHERE content_id = ?`, contentID,
	).Scan(&item.ID, &item.Title, &item.Permalink, &item.ImagePath, &catIDs, &cats, &tags, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(catIDs), &item.CategoryIDs); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(cats), &item.Categories); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, false, err
	}
	item.PublishedAt, _ = time.Parse(time.RFC3339Nano, published)
	return &item, true, nil
}

// AsSource adapts the store to the lookup interface the delivery
// pipeline resolves queued ids through.
func AsSource(st Store) content.Source {
	return storeSource{st: st}
}

type storeSource struct {
	st Store
}

func (s storeSource) Get(ctx context.Context, id int64) (*content.Item, error) {
	item, ok, err := s.st.GetContent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("content %d not found", id)
	}
	return item, nil
}
