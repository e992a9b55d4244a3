package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"shelfd/backend/internal/store/metadata"
	"shelfd/backend/internal/worker"
)

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) Get(ctx context.Context, userID, docID string) (*metadata.Document, error) {
	args := m.Called(ctx, userID, docID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metadata.Document), args.Error(1)
}

func (m *MockChunkStore) ListChunksByDoc(ctx context.Context, docID string) ([]metadata.Chunk, error) {
	args := m.Called(ctx, docID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]metadata.Chunk), args.Error(1)
}

func (m *MockChunkStore) SetChunkTags(ctx context.Context, chunkID string, tags []string) error {
	args := m.Called(ctx, chunkID, tags)
	return args.Error(0)
}

func (m *MockChunkStore) UpdateChunkFormattingStatus(ctx context.Context, chunkID, status string) error {
	args := m.Called(ctx, chunkID, status)
	return args.Error(0)
}

func (m *MockChunkStore) UpdateChunkTagStatus(ctx context.Context, chunkID, status string) error {
	args := m.Called(ctx, chunkID, status)
	return args.Error(0)
}

type MockContentStore struct {
	mock.Mock
}

func (m *MockContentStore) Get(ctx context.Context, bucket, path string) ([]byte, error) {
	args := m.Called(ctx, bucket, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type MockTagger struct {
	mock.Mock
}

func (m *MockTagger) Tags(ctx context.Context, content string) ([]string, error) {
	args := m.Called(ctx, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func enrichMessage(t *testing.T) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(worker.EnrichPayload{DocID: "doc-1", UserID: "u1", CorrelationID: "corr-1"})
	assert.NoError(t, err)
	return &nsq.Message{Body: body}
}

func TestEnrichConsumer_HandleMessage(t *testing.T) {
	chunks := new(MockChunkStore)
	blobs := new(MockContentStore)
	tagger := new(MockTagger)
	consumer := worker.NewEnrichConsumer(chunks, blobs, tagger)

	doc := &metadata.Document{ID: "doc-1", UserID: "u1", Filename: "notes.txt", StorageBucket: "b", StoragePath: "u1/doc-1/notes.txt"}
	chunks.On("Get", mock.Anything, "u1", "doc-1").Return(doc, nil)
	chunks.On("ListChunksByDoc", mock.Anything, "doc-1").Return([]metadata.Chunk{
		{ID: "c1", DocID: "doc-1", ChunkIndex: 0},
		{ID: "c2", DocID: "doc-1", ChunkIndex: 1},
	}, nil)
	blobs.On("Get", mock.Anything, "b", "u1/doc-1/notes.txt").Return([]byte("quarterly revenue report"), nil)
	tagger.On("Tags", mock.Anything, mock.MatchedBy(func(content string) bool {
		return assert.Contains(t, content, "notes.txt") && assert.Contains(t, content, "quarterly revenue report")
	})).Return([]string{"finance", "reporting"}, nil)
	chunks.On("SetChunkTags", mock.Anything, "c1", []string{"finance", "reporting"}).Return(nil)
	chunks.On("SetChunkTags", mock.Anything, "c2", []string{"finance", "reporting"}).Return(nil)
	chunks.On("UpdateChunkFormattingStatus", mock.Anything, "c1", metadata.ChunkStatusComplete).Return(nil)
	chunks.On("UpdateChunkFormattingStatus", mock.Anything, "c2", metadata.ChunkStatusComplete).Return(nil)

	err := consumer.HandleMessage(enrichMessage(t))

	assert.NoError(t, err)
	chunks.AssertExpectations(t)
	blobs.AssertExpectations(t)
	tagger.AssertExpectations(t)
}

func TestEnrichConsumer_PoisonPill(t *testing.T) {
	consumer := worker.NewEnrichConsumer(new(MockChunkStore), new(MockContentStore), new(MockTagger))

	err := consumer.HandleMessage(&nsq.Message{Body: []byte("invalid json")})
	assert.NoError(t, err) // Should return nil (ack)
}

func TestEnrichConsumer_MissingIDsAcked(t *testing.T) {
	consumer := worker.NewEnrichConsumer(new(MockChunkStore), new(MockContentStore), new(MockTagger))

	body, _ := json.Marshal(worker.EnrichPayload{DocID: "", UserID: "u1"})
	err := consumer.HandleMessage(&nsq.Message{Body: body})
	assert.NoError(t, err)
}

func TestEnrichConsumer_TaggerFailureRequeued(t *testing.T) {
	chunks := new(MockChunkStore)
	blobs := new(MockContentStore)
	tagger := new(MockTagger)
	consumer := worker.NewEnrichConsumer(chunks, blobs, tagger)

	doc := &metadata.Document{ID: "doc-1", UserID: "u1", StorageBucket: "b", StoragePath: "p"}
	chunks.On("Get", mock.Anything, "u1", "doc-1").Return(doc, nil)
	chunks.On("ListChunksByDoc", mock.Anything, "doc-1").Return([]metadata.Chunk{{ID: "c1"}}, nil)
	blobs.On("Get", mock.Anything, "b", "p").Return([]byte("content"), nil)
	tagger.On("Tags", mock.Anything, mock.Anything).Return(nil, errors.New("model overloaded"))
	chunks.On("UpdateChunkTagStatus", mock.Anything, "c1", metadata.ChunkStatusFailed).Return(nil)

	err := consumer.HandleMessage(enrichMessage(t))

	assert.Error(t, err) // Requeue
	chunks.AssertCalled(t, "UpdateChunkTagStatus", mock.Anything, "c1", metadata.ChunkStatusFailed)
	chunks.AssertNotCalled(t, "SetChunkTags", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnrichConsumer_NoChunksIsNoop(t *testing.T) {
	chunks := new(MockChunkStore)
	blobs := new(MockContentStore)
	tagger := new(MockTagger)
	consumer := worker.NewEnrichConsumer(chunks, blobs, tagger)

	doc := &metadata.Document{ID: "doc-1", UserID: "u1", StorageBucket: "b", StoragePath: "p"}
	chunks.On("Get", mock.Anything, "u1", "doc-1").Return(doc, nil)
	chunks.On("ListChunksByDoc", mock.Anything, "doc-1").Return([]metadata.Chunk{}, nil)

	err := consumer.HandleMessage(enrichMessage(t))

	assert.NoError(t, err)
	blobs.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}
