package document_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"athenaeum/features/document"
)

func submitBody(payload, uri, sourceType string) string {
	return fmt.Sprintf(`{"payload":%q,"source_uri":%q,"source_type":%q}`,
		base64.StdEncoding.EncodeToString([]byte(payload)), uri, sourceType)
}

func TestHandler_Submit(t *testing.T) {
	t.Run("Queued", func(t *testing.T) {
		repo, pub := new(MockRepository), new(MockPublisher)
		h := document.NewHandler(document.NewService(repo, pub))

		repo.On("GetDocument", mock.Anything, mock.Anything).Return(nil, document.ErrNotFound)
		pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

		req := httptest.NewRequest("POST", "/documents",
			strings.NewReader(submitBody("<p>body</p>", "https://example.com/a", "web")))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var body map[string]map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "queued", body["data"]["status"])
		assert.NotEmpty(t, body["data"]["document_id"])
	})

	t.Run("UnchangedIs200", func(t *testing.T) {
		repo, pub := new(MockRepository), new(MockPublisher)
		h := document.NewHandler(document.NewService(repo, pub))

		docID := document.DocumentID([]byte("<p>body</p>"), "https://example.com/a")
		repo.On("GetDocument", mock.Anything, docID).Return(&document.Document{ID: docID}, nil)

		req := httptest.NewRequest("POST", "/documents",
			strings.NewReader(submitBody("<p>body</p>", "https://example.com/a", "web")))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "unchanged", body["data"]["status"])
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("MissingPayload", func(t *testing.T) {
		h := document.NewHandler(document.NewService(new(MockRepository), new(MockPublisher)))

		req := httptest.NewRequest("POST", "/documents",
			strings.NewReader(`{"source_uri":"https://example.com/a"}`))
		w := httptest.NewRecorder()

		h.Submit(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("MissingSourceURI", func(t *testing.T) {
		h := document.NewHandler(document.NewService(new(MockRepository), new(MockPublisher)))

		req := httptest.NewRequest("POST", "/documents",
			strings.NewReader(submitBody("<p>body</p>", "", "web")))
		w := httptest.NewRecorder()

		h.Submit(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownSourceType", func(t *testing.T) {
		h := document.NewHandler(document.NewService(new(MockRepository), new(MockPublisher)))

		req := httptest.NewRequest("POST", "/documents",
			strings.NewReader(submitBody("<p>body</p>", "https://example.com/a", "gopher")))
		w := httptest.NewRecorder()

		h.Submit(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("BadFetchedAt", func(t *testing.T) {
		h := document.NewHandler(document.NewService(new(MockRepository), new(MockPublisher)))

		body := fmt.Sprintf(`{"payload":%q,"source_uri":"https://example.com/a","fetched_at":"yesterday"}`,
			base64.StdEncoding.EncodeToString([]byte("x")))
		req := httptest.NewRequest("POST", "/documents", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Submit(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_Get(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		repo := new(MockRepository)
		h := document.NewHandler(document.NewService(repo, new(MockPublisher)))

		repo.On("GetDocument", mock.Anything, "missing").Return(nil, document.ErrNotFound)

		req := httptest.NewRequest("GET", "/documents/missing", nil)
		req.SetPathValue("id", "missing")
		w := httptest.NewRecorder()

		h.Get(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandler_List_EmptyIsArray(t *testing.T) {
	repo := new(MockRepository)
	h := document.NewHandler(document.NewService(repo, new(MockPublisher)))

	repo.On("ListDocuments", mock.Anything).Return([]document.Document{}, nil)

	req := httptest.NewRequest("GET", "/documents", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestHandler_GetChunks(t *testing.T) {
	repo := new(MockRepository)
	h := document.NewHandler(document.NewService(repo, new(MockPublisher)))

	repo.On("CurrentChunks", mock.Anything, "doc-1").Return([]document.Chunk{
		{ID: "c1", Position: 0, Text: "alpha"},
	}, nil)

	req := httptest.NewRequest("GET", "/documents/doc-1/chunks", nil)
	req.SetPathValue("id", "doc-1")
	w := httptest.NewRecorder()

	h.GetChunks(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["meta"].(map[string]any)["count"])
}
