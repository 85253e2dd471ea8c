package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"athenaeum/features/document"
	wstore "athenaeum/internal/adapter/weaviate"
	"athenaeum/internal/normalize"
	"athenaeum/internal/text"
	"athenaeum/internal/tracker"
	"athenaeum/internal/worker"
)

type MockVersionStore struct{ mock.Mock }

func (m *MockVersionStore) UpsertDocument(ctx context.Context, raw normalize.RawDocument) (*document.Document, error) {
	args := m.Called(ctx, raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockVersionStore) ApplyChunks(ctx context.Context, documentID string, texts []string) (*document.ChunkDiff, error) {
	args := m.Called(ctx, documentID, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.ChunkDiff), args.Error(1)
}

func (m *MockVersionStore) MarkFailed(ctx context.Context, documentID string) error {
	return m.Called(ctx, documentID).Error(0)
}

func (m *MockVersionStore) CurrentChunkIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockVersionStore) CurrentChunksByIDs(ctx context.Context, ids []string) ([]document.Chunk, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Chunk), args.Error(1)
}

type MockNormalizer struct{ mock.Mock }

func (m *MockNormalizer) Normalize(raw normalize.RawDocument) (*normalize.CanonicalDocument, error) {
	args := m.Called(raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*normalize.CanonicalDocument), args.Error(1)
}

type MockChunker struct{ mock.Mock }

func (m *MockChunker) Split(s string) []text.Piece {
	args := m.Called(s)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]text.Piece)
}

type MockDeadLetter struct{ mock.Mock }

func (m *MockDeadLetter) Save(ctx context.Context, documentID, handler string, payload []byte, cause string) error {
	return m.Called(ctx, documentID, handler, payload, cause).Error(0)
}

// fakeIndex records the order of index operations so removal-before-insert
// can be asserted.
type fakeIndex struct {
	mu        sync.Mutex
	ops       []string
	failAll   bool
	listIDs   []string
	listErr   error
	removeErr map[string]error
}

func (f *fakeIndex) Upsert(ctx context.Context, rec wstore.Record, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("index down")
	}
	f.ops = append(f.ops, "upsert:"+rec.ChunkID)
	return nil
}

func (f *fakeIndex) Remove(ctx context.Context, chunkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[chunkID]; err != nil {
		return err
	}
	if f.failAll {
		return errors.New("index down")
	}
	f.ops = append(f.ops, "remove:"+chunkID)
	return nil
}

func (f *fakeIndex) ListChunkIDs(ctx context.Context) ([]string, error) {
	return f.listIDs, f.listErr
}

type fakeEmbedder struct {
	mu     sync.Mutex
	inputs []string
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, text)
	return []float32{0.1, 0.2}, nil
}

func (f *fakeEmbedder) ModelVersion() string { return "embed-test-001" }

// recordingRunRepo captures tracker runs for status assertions.
type recordingRunRepo struct {
	mu   sync.Mutex
	runs []tracker.Run
}

func (r *recordingRunRepo) Record(ctx context.Context, run *tracker.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *recordingRunRepo) LastRuns(ctx context.Context, step string, n int) ([]tracker.Run, error) {
	return nil, nil
}

func (r *recordingRunRepo) last(t *testing.T) tracker.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.runs)
	return r.runs[len(r.runs)-1]
}

type consumerFixture struct {
	store      *MockVersionStore
	normalizer *MockNormalizer
	chunker    *MockChunker
	index      *fakeIndex
	embedder   *fakeEmbedder
	deadLetter *MockDeadLetter
	runs       *recordingRunRepo
	consumer   *worker.IngestConsumer
}

func newFixture() *consumerFixture {
	f := &consumerFixture{
		store:      new(MockVersionStore),
		normalizer: new(MockNormalizer),
		chunker:    new(MockChunker),
		index:      &fakeIndex{},
		embedder:   &fakeEmbedder{},
		deadLetter: new(MockDeadLetter),
		runs:       &recordingRunRepo{},
	}
	f.consumer = worker.NewIngestConsumer(
		f.normalizer, f.chunker, f.store, f.index, f.embedder,
		f.deadLetter, tracker.NewTracker(f.runs),
		time.Second, 1,
	)
	return f
}

func message(t *testing.T, payload worker.IngestDocumentPayload) *nsq.Message {
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return nsq.NewMessage(nsq.MessageID{}, body)
}

func validPayload() worker.IngestDocumentPayload {
	return worker.IngestDocumentPayload{
		Payload:    []byte("<p>some article body</p>"),
		SourceURI:  "https://example.com/a",
		SourceType: "web",
		FetchedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

func TestIngestConsumer_PoisonPill(t *testing.T) {
	f := newFixture()

	err := f.consumer.HandleMessage(nsq.NewMessage(nsq.MessageID{}, []byte("{broken")))
	assert.NoError(t, err, "invalid json must be dropped, not requeued")
	f.store.AssertNotCalled(t, "UpsertDocument", mock.Anything, mock.Anything)
}

func TestIngestConsumer_MissingFields(t *testing.T) {
	f := newFixture()

	p := validPayload()
	p.SourceURI = ""
	err := f.consumer.HandleMessage(message(t, p))
	assert.NoError(t, err)
	f.store.AssertNotCalled(t, "UpsertDocument", mock.Anything, mock.Anything)
}

func TestIngestConsumer_UnchangedShortCircuits(t *testing.T) {
	f := newFixture()

	doc := &document.Document{ID: "doc-1"}
	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(doc, document.ErrUnchanged)

	err := f.consumer.HandleMessage(message(t, validPayload()))
	assert.NoError(t, err)

	f.normalizer.AssertNotCalled(t, "Normalize", mock.Anything)
	run := f.runs.last(t)
	assert.Equal(t, tracker.StatusPartial, run.Status)
	assert.Equal(t, 1, run.ItemsSkipped)
}

func TestIngestConsumer_TransientStoreFaultRequeues(t *testing.T) {
	f := newFixture()

	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	err := f.consumer.HandleMessage(message(t, validPayload()))
	assert.Error(t, err, "transient store faults must be requeued")
	assert.Equal(t, tracker.StatusFailed, f.runs.last(t).Status)
}

func TestIngestConsumer_MalformedPayloadDropped(t *testing.T) {
	f := newFixture()

	doc := &document.Document{ID: "doc-1"}
	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(doc, nil)
	f.normalizer.On("Normalize", mock.Anything).Return(nil, normalize.ErrMalformedInput)
	f.store.On("MarkFailed", mock.Anything, "doc-1").Return(nil)

	err := f.consumer.HandleMessage(message(t, validPayload()))
	assert.NoError(t, err, "malformed payloads are reported and skipped, never requeued")

	f.store.AssertCalled(t, "MarkFailed", mock.Anything, "doc-1")
	assert.Equal(t, tracker.StatusFailed, f.runs.last(t).Status)
}

func TestIngestConsumer_NoChunksMarksFailed(t *testing.T) {
	f := newFixture()

	doc := &document.Document{ID: "doc-1"}
	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(doc, nil)
	f.normalizer.On("Normalize", mock.Anything).Return(&normalize.CanonicalDocument{Text: "tiny"}, nil)
	f.chunker.On("Split", "tiny").Return(nil)
	f.store.On("MarkFailed", mock.Anything, "doc-1").Return(nil)

	err := f.consumer.HandleMessage(message(t, validPayload()))
	assert.NoError(t, err)
	f.store.AssertCalled(t, "MarkFailed", mock.Anything, "doc-1")
}

func TestIngestConsumer_HappyPath(t *testing.T) {
	f := newFixture()

	doc := &document.Document{ID: "doc-1"}
	canonical := &normalize.CanonicalDocument{Text: "alpha beta"}
	pieces := []text.Piece{{Position: 0, Text: "alpha"}, {Position: 1, Text: "beta"}}
	diff := &document.ChunkDiff{
		New: []document.Chunk{
			{ID: "n1", DocumentID: "doc-1", Position: 0, Text: "alpha"},
			{ID: "n2", DocumentID: "doc-1", Position: 1, Text: "beta"},
		},
		Superseded: []document.Chunk{{ID: "old1", Position: 0}},
	}

	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(doc, nil)
	f.normalizer.On("Normalize", mock.Anything).Return(canonical, nil)
	f.chunker.On("Split", "alpha beta").Return(pieces)
	f.store.On("ApplyChunks", mock.Anything, "doc-1", []string{"alpha", "beta"}).Return(diff, nil)

	err := f.consumer.HandleMessage(message(t, validPayload()))
	require.NoError(t, err)

	require.Equal(t, []string{"remove:old1", "upsert:n1", "upsert:n2"}, f.index.ops,
		"superseded vectors leave the index before replacements arrive")

	require.Len(t, f.embedder.inputs, 2)
	assert.True(t, strings.HasPrefix(f.embedder.inputs[0], "Source: https://example.com/a\n---\n"))
	assert.True(t, strings.HasSuffix(f.embedder.inputs[0], "alpha"))

	run := f.runs.last(t)
	assert.Equal(t, tracker.StatusSuccess, run.Status)
	assert.Equal(t, 2, run.ItemsOut)
	assert.Zero(t, run.ItemsSkipped)
}

func TestIngestConsumer_ConflictExhaustionDeadLetters(t *testing.T) {
	f := newFixture()

	doc := &document.Document{ID: "doc-1"}
	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(doc, nil)
	f.normalizer.On("Normalize", mock.Anything).Return(&normalize.CanonicalDocument{Text: "body"}, nil)
	f.chunker.On("Split", "body").Return([]text.Piece{{Position: 0, Text: "body"}})
	f.store.On("ApplyChunks", mock.Anything, "doc-1", []string{"body"}).Return(nil, document.ErrConflict)
	f.store.On("MarkFailed", mock.Anything, "doc-1").Return(nil)
	f.deadLetter.On("Save", mock.Anything, "doc-1", "ingest-consumer", mock.Anything, mock.Anything).Return(nil)

	err := f.consumer.HandleMessage(message(t, validPayload()))
	assert.NoError(t, err, "exhausted conflicts dead-letter instead of requeueing")

	f.store.AssertNumberOfCalls(t, "ApplyChunks", 2)
	f.deadLetter.AssertCalled(t, "Save", mock.Anything, "doc-1", "ingest-consumer", mock.Anything, mock.Anything)
	assert.Equal(t, tracker.StatusFailed, f.runs.last(t).Status)
}

func TestIngestConsumer_IndexFailureIsEventuallyConsistent(t *testing.T) {
	f := newFixture()
	f.embedder.err = errors.New("quota exceeded")

	doc := &document.Document{ID: "doc-1"}
	diff := &document.ChunkDiff{
		New: []document.Chunk{{ID: "n1", DocumentID: "doc-1", Text: "body"}},
	}
	f.store.On("UpsertDocument", mock.Anything, mock.Anything).Return(doc, nil)
	f.normalizer.On("Normalize", mock.Anything).Return(&normalize.CanonicalDocument{Text: "body"}, nil)
	f.chunker.On("Split", "body").Return([]text.Piece{{Position: 0, Text: "body"}})
	f.store.On("ApplyChunks", mock.Anything, "doc-1", []string{"body"}).Return(diff, nil)

	err := f.consumer.HandleMessage(message(t, validPayload()))
	assert.NoError(t, err, "the committed version store write stands; the sweep repairs the index")

	run := f.runs.last(t)
	assert.Equal(t, tracker.StatusPartial, run.Status)
	assert.Equal(t, 1, run.ItemsSkipped)
}
