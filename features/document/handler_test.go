package document_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/features/document"
)

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func serve(h http.HandlerFunc, pattern string, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Upload(t *testing.T) {
	f := newFixture(t)
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	h := document.NewHandler(f.svc, 1<<20)

	body, ct := multipartBody(t, "report.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(h.Upload, "POST /documents", req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Data document.Document `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "report.pdf", resp.Data.Filename)
	assert.Equal(t, document.StatusPending, resp.Data.Status)
	assert.NotEmpty(t, resp.Data.ID)
}

func TestHandler_Upload_Rejects(t *testing.T) {
	f := newFixture(t)
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	h := document.NewHandler(f.svc, 1<<20)

	tests := []struct {
		name     string
		filename string
		data     []byte
		want     int
	}{
		{"NotPDF", "notes.txt", []byte("hello"), http.StatusBadRequest},
		{"Empty", "empty.pdf", nil, http.StatusBadRequest},
		{"TooLarge", "big.pdf", bytes.Repeat([]byte("x"), 2<<20), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.filename, tt.data)
			req := httptest.NewRequest(http.MethodPost, "/documents", body)
			req.Header.Set("Content-Type", ct)
			rec := serve(h.Upload, "POST /documents", req)
			assert.Equal(t, tt.want, rec.Code)

			var resp map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Contains(t, resp, "error")
			assert.Contains(t, resp, "correlationId")
		})
	}
}

func TestHandler_Upload_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	h := document.NewHandler(f.svc, 1<<20)

	for i, want := range []int{http.StatusAccepted, http.StatusConflict} {
		body, ct := multipartBody(t, "same.pdf", []byte("%PDF-same"))
		req := httptest.NewRequest(http.MethodPost, "/documents", body)
		req.Header.Set("Content-Type", ct)
		rec := serve(h.Upload, "POST /documents", req)
		assert.Equal(t, want, rec.Code, "upload %d", i)
	}
}

func TestHandler_GetAndChunks(t *testing.T) {
	f := newFixture(t)
	seedIndexed(t, f, "d1")
	h := document.NewHandler(f.svc, 0)

	rec := serve(h.Get, "GET /documents/{id}", httptest.NewRequest(http.MethodGet, "/documents/d1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"indexed"`)

	rec = serve(h.ListChunks, "GET /documents/{id}/chunks", httptest.NewRequest(http.MethodGet, "/documents/d1/chunks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []document.Chunk `json:"data"`
		Meta map[string]int   `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Meta["count"])
	assert.Equal(t, "text", resp.Data[0].Text)

	rec = serve(h.Get, "GET /documents/{id}", httptest.NewRequest(http.MethodGet, "/documents/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_List_Empty(t *testing.T) {
	f := newFixture(t)
	h := document.NewHandler(f.svc, 0)

	rec := serve(h.List, "GET /documents", httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[],"meta":{"count":0}}`, rec.Body.String())
}

func TestHandler_Delete(t *testing.T) {
	f := newFixture(t)
	seedIndexed(t, f, "d1")
	h := document.NewHandler(f.svc, 0)

	rec := serve(h.Delete, "DELETE /documents/{id}", httptest.NewRequest(http.MethodDelete, "/documents/d1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h.Delete, "DELETE /documents/{id}", httptest.NewRequest(http.MethodDelete, "/documents/d1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Reindex(t *testing.T) {
	f := newFixture(t)
	seedIndexed(t, f, "d1")
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	h := document.NewHandler(f.svc, 0)

	rec := serve(h.Reindex, "POST /documents/{id}/reindex", httptest.NewRequest(http.MethodPost, "/documents/d1/reindex", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, f.svc.UpdateStatus(context.Background(), "d1", document.StatusExtracting, ""))
	rec = serve(h.Reindex, "POST /documents/{id}/reindex", httptest.NewRequest(http.MethodPost, "/documents/d1/reindex", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
