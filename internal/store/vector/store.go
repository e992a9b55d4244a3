package vector

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// objectNamespace seeds the deterministic object uuid derived from a
// vector id. Re-upserting the same vector id always hits the same
// object, which is what makes the ingestion saga's retries idempotent.
var objectNamespace = uuid.MustParse("8f8c41f2-30dd-44a5-9cbc-1d1c2c9e7a55")

// MaxDeleteBatch is the per-call id limit for batched deletes.
const MaxDeleteBatch = 500

func ObjectID(vectorID string) string {
	return uuid.NewSHA1(objectNamespace, []byte(vectorID)).String()
}

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// Upsert writes records into one partition under the given namespace.
// Same vector id, same object uuid: retries overwrite instead of
// duplicating.
func (s *Store) Upsert(ctx context.Context, partition Partition, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batcher := s.client.Batch().ObjectsBatcher()
	for _, rec := range records {
		batcher = batcher.WithObjects(&models.Object{
			ID:    strfmt.UUID(ObjectID(rec.VectorID)),
			Class: string(partition),
			Properties: map[string]interface{}{
				"vectorId": rec.VectorID,
				"docId":    rec.DocID,
				"chunkId":  rec.ChunkID,
				"userId":   namespace,
			},
			Vector: rec.Vector,
		})
	}

	resp, err := batcher.Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteByIDs removes vectors by vector id, chunked under the per-call
// limit. Returns the number of matched objects.
func (s *Store) DeleteByIDs(ctx context.Context, partition Partition, namespace string, vectorIDs []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(vectorIDs); start += MaxDeleteBatch {
		end := start + MaxDeleteBatch
		if end > len(vectorIDs) {
			end = len(vectorIDs)
		}

		where := filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"userId"}).
					WithOperator(filters.Equal).
					WithValueString(namespace),
				filters.Where().
					WithPath([]string{"vectorId"}).
					WithOperator(filters.ContainsAny).
					WithValueString(vectorIDs[start:end]...),
			})

		resp, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(string(partition)).
			WithOutput("minimal").
			WithWhere(where).
			Do(ctx)
		if err != nil {
			return deleted, err
		}
		if resp != nil && resp.Results != nil {
			deleted += resp.Results.Matches
		}
	}
	return deleted, nil
}

// DeleteByDoc removes every vector belonging to one document in one
// partition, used by the document teardown path.
func (s *Store) DeleteByDoc(ctx context.Context, partition Partition, namespace, docID string) error {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"userId"}).
				WithOperator(filters.Equal).
				WithValueString(namespace),
			filters.Where().
				WithPath([]string{"docId"}).
				WithOperator(filters.Equal).
				WithValueString(docID),
		})

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(string(partition)).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	return err
}

// ListRecords pages through the join keys of every vector in one
// partition. afterObjectID is the cursor from the previous page, empty
// for the first. The scan is deliberately unfiltered: Weaviate refuses
// a where clause on cursor queries, so the namespace comes back as a
// field on each record instead.
func (s *Store) ListRecords(ctx context.Context, partition Partition, afterObjectID string, limit int) ([]StoredRecord, error) {
	fields := []graphql.Field{
		{Name: "vectorId"},
		{Name: "docId"},
		{Name: "chunkId"},
		{Name: "userId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	get := s.client.GraphQL().Get().
		WithClassName(string(partition)).
		WithLimit(limit).
		WithFields(fields...)
	if afterObjectID != "" {
		get = get.WithAfter(afterObjectID)
	}

	res, err := get.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var records []StoredRecord
	if data, ok := res.Data["Get"].(map[string]interface{}); ok {
		if objects, ok := data[string(partition)].([]interface{}); ok {
			for _, o := range objects {
				props, ok := o.(map[string]interface{})
				if !ok {
					continue
				}
				rec := StoredRecord{}
				if v, ok := props["vectorId"].(string); ok {
					rec.VectorID = v
				}
				if v, ok := props["docId"].(string); ok {
					rec.DocID = v
				}
				if v, ok := props["chunkId"].(string); ok {
					rec.ChunkID = v
				}
				if v, ok := props["userId"].(string); ok {
					rec.Namespace = v
				}
				if additional, ok := props["_additional"].(map[string]interface{}); ok {
					if id, ok := additional["id"].(string); ok {
						rec.ObjectID = id
					}
				}
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

// Query runs a nearest-neighbor search over one partition namespace.
func (s *Store) Query(ctx context.Context, partition Partition, namespace string, vec []float32, topK int) ([]Match, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "vectorId"},
		{Name: "docId"},
		{Name: "chunkId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	where := filters.Where().
		WithPath([]string{"userId"}).
		WithOperator(filters.Equal).
		WithValueString(namespace)

	res, err := s.client.GraphQL().Get().
		WithClassName(string(partition)).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var matches []Match
	if data, ok := res.Data["Get"].(map[string]interface{}); ok {
		if objects, ok := data[string(partition)].([]interface{}); ok {
			for _, o := range objects {
				props, ok := o.(map[string]interface{})
				if !ok {
					continue
				}
				m := Match{}
				if v, ok := props["vectorId"].(string); ok {
					m.VectorID = v
				}
				if v, ok := props["docId"].(string); ok {
					m.DocID = v
				}
				if v, ok := props["chunkId"].(string); ok {
					m.ChunkID = v
				}
				if additional, ok := props["_additional"].(map[string]interface{}); ok {
					if d, ok := additional["distance"].(float64); ok {
						m.Score = 1 - float32(d)
					}
				}
				matches = append(matches, m)
			}
		}
	}
	return matches, nil
}
