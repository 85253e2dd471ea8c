package weaviate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"athenaeum/internal/vector"
)

// Hit is one nearest-neighbor result. Distance is cosine distance in [0,2];
// smaller is closer.
type Hit struct {
	ChunkID  string
	Distance float64
}

// Record carries everything the index stores per chunk besides the vector.
type Record struct {
	ChunkID      string
	DocumentID   string
	SourceURI    string
	Position     int
	Content      string
	ModelVersion string
}

// Index is the embedding index over Weaviate. Object ids derive
// deterministically from chunk ids, so a batch write of an existing chunk
// replaces its vector instead of duplicating it.
type Index struct {
	client *weaviate.Client
}

func NewIndex(client *weaviate.Client) *Index {
	return &Index{client: client}
}

// objectID maps a chunk id onto a stable Weaviate object UUID.
func objectID(chunkID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String())
}

func (i *Index) Upsert(ctx context.Context, rec Record, vec []float32) error {
	obj := &models.Object{
		ID:    objectID(rec.ChunkID),
		Class: vector.ClassName,
		Properties: map[string]any{
			"chunkId":      rec.ChunkID,
			"documentId":   rec.DocumentID,
			"sourceUri":    rec.SourceURI,
			"position":     rec.Position,
			"content":      rec.Content,
			"modelVersion": rec.ModelVersion,
		},
		Vector: vec,
	}

	res, err := i.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert of chunk %s: %s", rec.ChunkID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Remove deletes the vector for a chunk. Removing an absent chunk is a
// no-op, which keeps the reconciliation sweep idempotent.
func (i *Index) Remove(ctx context.Context, chunkID string) error {
	_, err := i.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"chunkId"}).
			WithOperator(filters.Equal).
			WithValueString(chunkID)).
		Do(ctx)
	return err
}

// Query returns the n nearest chunks by cosine distance, ascending, with
// ties broken by chunk id so results are deterministic.
func (i *Index) Query(ctx context.Context, vec []float32, n int) ([]Hit, error) {
	nearVector := i.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := i.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(n).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var hits []Hit
	for _, props := range unwrapObjects(res.Data) {
		hit := Hit{}
		if id, ok := props["chunkId"].(string); ok {
			hit.ChunkID = id
		}
		if additional, ok := props["_additional"].(map[string]any); ok {
			switch d := additional["distance"].(type) {
			case float64:
				hit.Distance = d
			case string:
				// Older server versions serialize additional fields as strings.
				if f, err := strconv.ParseFloat(d, 64); err == nil {
					hit.Distance = f
				}
			}
		}
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Distance != hits[b].Distance {
			return hits[a].Distance < hits[b].Distance
		}
		return hits[a].ChunkID < hits[b].ChunkID
	})
	return hits, nil
}

const listPageSize = 500

// ListChunkIDs pages through the whole class and returns every indexed
// chunk id. Input to the reconciliation sweep.
func (i *Index) ListChunkIDs(ctx context.Context) ([]string, error) {
	fields := []graphql.Field{{Name: "chunkId"}}

	var ids []string
	for offset := 0; ; offset += listPageSize {
		res, err := i.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithLimit(listPageSize).
			WithOffset(offset).
			WithFields(fields...).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
		}

		page := unwrapObjects(res.Data)
		for _, props := range page {
			if id, ok := props["chunkId"].(string); ok {
				ids = append(ids, id)
			}
		}
		if len(page) < listPageSize {
			return ids, nil
		}
	}
}

// Count reports how many vectors the index holds.
func (i *Index) Count(ctx context.Context) (int, error) {
	res, err := i.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	if agg, ok := res.Data["Aggregate"].(map[string]any); ok {
		if classes, ok := agg[vector.ClassName].([]any); ok && len(classes) > 0 {
			if entry, ok := classes[0].(map[string]any); ok {
				if meta, ok := entry["meta"].(map[string]any); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, fmt.Errorf("unexpected aggregate response shape")
}

func unwrapObjects(data map[string]models.JSONObject) []map[string]any {
	var objects []map[string]any
	if get, ok := data["Get"].(map[string]any); ok {
		if class, ok := get[vector.ClassName].([]any); ok {
			for _, c := range class {
				if props, ok := c.(map[string]any); ok {
					objects = append(objects, props)
				}
			}
		}
	}
	return objects
}
