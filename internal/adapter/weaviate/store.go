package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docqa/internal/index"
	"docqa/internal/vector"
)

const (
	defaultPageSize = 500
	maxDeleteRounds = 100
)

// Store mirrors index entries into Weaviate. The object UUID is the chunk
// id, so upserts replace and deletes are addressable without a lookup.
type Store struct {
	client   *weaviate.Client
	pageSize int
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client, pageSize: defaultPageSize}
}

func (s *Store) Upsert(ctx context.Context, entries []index.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	objs := make([]*models.Object, len(entries))
	for i, e := range entries {
		objs[i] = &models.Object{
			Class: vector.ClassName,
			ID:    strfmt.UUID(e.ChunkID),
			Properties: map[string]interface{}{
				"chunkId":    e.ChunkID,
				"documentId": e.DocumentID,
				"page":       e.Page,
			},
			Vector: models.C11yVector(e.Vector),
		}
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return err
	}

	var msgs []string
	for _, r := range res {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			msgs = append(msgs, fmt.Sprintf("%s: %s", r.ID, e.Message))
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("batch upsert failed for %d object(s): %s", len(msgs), strings.Join(msgs, "; "))
	}
	return nil
}

// DeleteByDocument removes every object of a document. Weaviate deletes at
// most QUERY_MAXIMUM_RESULTS objects per request, so it repeats until the
// filter has nothing left.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	for round := 0; round < maxDeleteRounds; round++ {
		res, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(vector.ClassName).
			WithOutput("minimal").
			WithWhere(filters.Where().
				WithPath([]string{"documentId"}).
				WithOperator(filters.Equal).
				WithValueString(documentID)).
			Do(ctx)
		if err != nil {
			return err
		}
		if res == nil || res.Results == nil {
			return nil
		}
		r := res.Results
		if r.Failed > 0 {
			return fmt.Errorf("batch delete failed for %d object(s)%s", r.Failed, deleteErrors(r.Objects))
		}
		if r.Matches == 0 || r.Successful >= r.Matches {
			return nil
		}
		if r.Successful == 0 {
			return fmt.Errorf("batch delete made no progress: %d object(s) of document %s still match", r.Matches, documentID)
		}
	}
	return fmt.Errorf("objects of document %s remain after %d delete rounds", documentID, maxDeleteRounds)
}

func deleteErrors(objs []*models.BatchDeleteResponseResultsObjectsItems0) string {
	var msgs []string
	for _, o := range objs {
		if o == nil || o.Errors == nil {
			continue
		}
		for _, e := range o.Errors.Error {
			msgs = append(msgs, fmt.Sprintf("%s: %s", o.ID, e.Message))
		}
	}
	if len(msgs) == 0 {
		return ""
	}
	return ": " + strings.Join(msgs, "; ")
}

// Delete removes objects by chunk id. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	for _, id := range chunkIDs {
		err := s.client.Data().Deleter().
			WithClassName(vector.ClassName).
			WithID(id).
			Do(ctx)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var werr *fault.WeaviateClientError
	return errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound
}

// Scan pages through every object with the cursor API, in UUID order.
func (s *Store) Scan(ctx context.Context, fn func(index.Entry) error) error {
	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "documentId"},
		{Name: "page"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "vector"}}},
	}

	after := ""
	for {
		q := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithFields(fields...).
			WithLimit(s.pageSize)
		if after != "" {
			q = q.WithAfter(after)
		}
		res, err := q.Do(ctx)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("graphql error: %s", res.Errors[0].Message)
		}

		objs := getObjects(res.Data)
		for _, o := range objs {
			e, id, ok := parseEntry(o)
			if !ok {
				continue
			}
			after = id
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(objs) < s.pageSize {
			return nil
		}
	}
}

// Count returns the number of mirrored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[vector.ClassName].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func getObjects(data map[string]models.JSONObject) []interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objs, _ := get[vector.ClassName].([]interface{})
	return objs
}

func parseEntry(raw interface{}) (index.Entry, string, bool) {
	props, ok := raw.(map[string]interface{})
	if !ok {
		return index.Entry{}, "", false
	}
	var e index.Entry
	e.ChunkID, _ = props["chunkId"].(string)
	e.DocumentID, _ = props["documentId"].(string)
	if p, ok := props["page"].(float64); ok {
		e.Page = int(p)
	}

	add, _ := props["_additional"].(map[string]interface{})
	id, _ := add["id"].(string)
	if vec, ok := add["vector"].([]interface{}); ok {
		e.Vector = make([]float32, 0, len(vec))
		for _, v := range vec {
			f, _ := v.(float64)
			e.Vector = append(e.Vector, float32(f))
		}
	}
	if e.ChunkID == "" {
		e.ChunkID = id
	}
	return e, id, id != "" && e.DocumentID != ""
}
