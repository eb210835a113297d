// Package search keeps a full-text index of the public history.
package search

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis/analyzer"
	"github.com/google/uuid"
)

const (
	fieldBody      = "body"
	fieldSender    = "sender"
	fieldAudience  = "audience"
	fieldCreatedAt = "created_at"
)

var standardAnalyzer = analyzer.NewStandardAnalyzer()

// Index is a message sink indexing public messages with bluge.
type Index struct {
	writer *bluge.Writer
	log    *slog.Logger
}

// NewIndex opens the index stored at path, or an in-memory one when path is empty.
func NewIndex(path string, log *slog.Logger) (*Index, error) {
	config := bluge.InMemoryOnlyConfig()
	if path != "" {
		config = bluge.DefaultConfig(path)
	}
	writer, err := bluge.OpenWriter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	return &Index{writer: writer, log: log}, nil
}

func (i *Index) Close() error {
	return i.writer.Close()
}

// Consume indexes a persisted message. Private messages are never indexed.
func (i *Index) Consume(_ context.Context, m domain.Message) error {
	if !m.IsPublic() {
		return nil
	}
	doc := bluge.NewDocument(m.ID.String()).
		AddField(bluge.NewTextField(fieldBody, m.Body).WithAnalyzer(standardAnalyzer).StoreValue()).
		AddField(bluge.NewKeywordField(fieldSender, m.Sender).StoreValue()).
		AddField(bluge.NewKeywordField(fieldAudience, m.Audience).StoreValue()).
		AddField(bluge.NewDateTimeField(fieldCreatedAt, m.CreatedAt).StoreValue().Sortable())

	if err := i.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("%w: index message %s: %v", errors.ErrStorage, m.ID, err)
	}
	return nil
}

// Search returns up to limit public messages matching text, best match first.
func (i *Index) Search(ctx context.Context, text string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("%w: open index reader: %v", errors.ErrStorage, err)
	}
	defer func() { _ = reader.Close() }()

	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewMatchQuery(text).SetField(fieldBody).SetAnalyzer(standardAnalyzer)).
		AddMust(bluge.NewTermQuery(domain.PublicAudience).SetField(fieldAudience))
	request := bluge.NewTopNSearch(limit, query)

	matches, err := reader.Search(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", errors.ErrStorage, text, err)
	}

	var res []domain.Message
	match, err := matches.Next()
	for err == nil && match != nil {
		var (
			message  domain.Message
			fieldErr error
		)
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				message.ID, fieldErr = uuid.ParseBytes(value)
			case fieldBody:
				message.Body = string(value)
			case fieldSender:
				message.Sender = string(value)
			case fieldAudience:
				message.Audience = string(value)
			case fieldCreatedAt:
				message.CreatedAt, fieldErr = bluge.DecodeDateTime(value)
				message.CreatedAt = message.CreatedAt.UTC()
			}
			return fieldErr == nil
		})
		if err == nil {
			err = fieldErr
		}
		if err != nil {
			break
		}
		res = append(res, message)
		match, err = matches.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read search results: %v", errors.ErrStorage, err)
	}
	i.log.Debug("Search done", "query", text, "hits", len(res))
	return res, nil
}
