package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/features/document"
	"docqa/features/query"
	"docqa/internal/answer"
	"docqa/internal/index"
	"docqa/internal/retrieval"
)

type MockAsker struct{ mock.Mock }

func (m *MockAsker) Ask(ctx context.Context, q query.Query) (*answer.Answer, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*answer.Answer), args.Error(1)
}

type MockRetriever struct{ mock.Mock }

func (m *MockRetriever) Retrieve(ctx context.Context, q string, topK int, f index.Filter) ([]retrieval.Passage, error) {
	args := m.Called(ctx, q, topK, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Passage), args.Error(1)
}

type MockDocuments struct{ mock.Mock }

func (m *MockDocuments) List(ctx context.Context) ([]document.Document, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

func (m *MockDocuments) ListChunks(ctx context.Context, id string) ([]document.Chunk, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Chunk), args.Error(1)
}

func call(name string, arguments interface{}) JSONRPCRequest {
	argBytes, _ := json.Marshal(arguments)
	params, _ := json.Marshal(CallParams{Name: name, Arguments: argBytes})
	return JSONRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: params, ID: 1}
}

func toolText(t *testing.T, resp *JSONRPCResponse) (string, bool) {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	res, ok := resp.Result.(ToolResult)
	require.True(t, ok)
	require.Len(t, res.Content, 1)
	return res.Content[0].Text, res.IsError
}

func TestProcessRequest_Initialize(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	resp := h.processRequest(context.Background(), JSONRPCRequest{JSONRPC: "2.0", Method: "initialize", ID: 1})
	require.NotNil(t, resp)
	res := resp.Result.(map[string]interface{})
	assert.Equal(t, "2024-11-05", res["protocolVersion"])
}

func TestProcessRequest_NotificationsInitialized(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	assert.Nil(t, h.processRequest(context.Background(), JSONRPCRequest{Method: "notifications/initialized"}))
}

func TestProcessRequest_ToolsList(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	resp := h.processRequest(context.Background(), JSONRPCRequest{JSONRPC: "2.0", Method: "tools/list", ID: 1})
	require.NotNil(t, resp)
	var names []string
	for _, tool := range resp.Result.(ListToolsResult).Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolAsk, ToolSearch, ToolListDocuments, ToolReadDocument}, names)
}

func TestProcessRequest_Ask(t *testing.T) {
	asker := new(MockAsker)
	asker.On("Ask", mock.Anything, query.Query{Question: "Capital?", DocumentIDs: []string{"d1"}}).Return(&answer.Answer{
		Status:    answer.StatusAnswered,
		Text:      "Parix [1]",
		Citations: []answer.Citation{{DocumentID: "d1", Filename: "francia.pdf", Page: 2}},
	}, nil)
	h := NewHandler(asker, nil, nil)

	text, isErr := toolText(t, h.processRequest(context.Background(), call(ToolAsk, AskArgs{Question: "Capital?", DocumentIDs: []string{"d1"}})))
	assert.False(t, isErr)
	assert.Contains(t, text, "Parix [1]")
	assert.Contains(t, text, "[1] francia.pdf (document d1), page 2")
	asker.AssertExpectations(t)
}

func TestProcessRequest_Ask_MissingQuestion(t *testing.T) {
	h := NewHandler(new(MockAsker), nil, nil)
	resp := h.processRequest(context.Background(), call(ToolAsk, AskArgs{Question: "  "}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrInvalidParams, resp.Error.(map[string]interface{})["code"])
}

func TestProcessRequest_Ask_Error(t *testing.T) {
	asker := new(MockAsker)
	asker.On("Ask", mock.Anything, mock.Anything).Return(nil, answer.ErrGenerationUnavailable)
	h := NewHandler(asker, nil, nil)

	text, isErr := toolText(t, h.processRequest(context.Background(), call(ToolAsk, AskArgs{Question: "q"})))
	assert.True(t, isErr)
	assert.Contains(t, text, "generation capability unavailable")
}

func TestProcessRequest_Search(t *testing.T) {
	tests := []struct {
		name     string
		passages []retrieval.Passage
		want     string
	}{
		{
			name:     "Results",
			passages: []retrieval.Passage{{DocumentID: "d1", Filename: "a.pdf", Page: 3, Text: "hello world", Score: 0.75}},
			want:     "Result 1 (Score: 0.75):\nDocument: a.pdf (d1)\nPage: 3\nContent:\nhello world",
		},
		{
			name:     "No Results",
			passages: []retrieval.Passage{},
			want:     "No results found.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := new(MockRetriever)
			r.On("Retrieve", mock.Anything, "hello", 5, index.Filter{}).Return(tt.passages, nil)
			h := NewHandler(nil, r, nil)

			text, isErr := toolText(t, h.processRequest(context.Background(), call(ToolSearch, SearchArgs{Query: "hello", Limit: 5})))
			assert.False(t, isErr)
			assert.Contains(t, text, tt.want)
		})
	}
}

func TestProcessRequest_ListDocuments(t *testing.T) {
	docs := new(MockDocuments)
	docs.On("List", mock.Anything).Return([]document.Document{
		{ID: "d1", Filename: "a.pdf", Status: document.StatusIndexed, PageCount: 3},
	}, nil).Once()
	docs.On("List", mock.Anything).Return(nil, errors.New("db down")).Once()
	h := NewHandler(nil, nil, docs)

	text, isErr := toolText(t, h.processRequest(context.Background(), call(ToolListDocuments, struct{}{})))
	assert.False(t, isErr)
	assert.Contains(t, text, `"filename": "a.pdf"`)
	assert.Contains(t, text, `"status": "indexed"`)

	text, isErr = toolText(t, h.processRequest(context.Background(), call(ToolListDocuments, struct{}{})))
	assert.True(t, isErr)
	assert.Contains(t, text, "db down")
}

func TestProcessRequest_ReadDocument(t *testing.T) {
	docs := new(MockDocuments)
	docs.On("ListChunks", mock.Anything, "d1").Return([]document.Chunk{
		{Ordinal: 0, StartPage: 1, EndPage: 2, Text: "first"},
		{Ordinal: 1, StartPage: 2, EndPage: 2, Text: "second"},
	}, nil)
	docs.On("ListChunks", mock.Anything, "missing").Return(nil, document.ErrNotFound)
	h := NewHandler(nil, nil, docs)

	text, isErr := toolText(t, h.processRequest(context.Background(), call(ToolReadDocument, ReadArgs{DocumentID: "d1"})))
	assert.False(t, isErr)
	assert.Equal(t, "[pages 1-2]\nfirst\n\n[pages 2-2]\nsecond\n\n", text)

	_, isErr = toolText(t, h.processRequest(context.Background(), call(ToolReadDocument, ReadArgs{DocumentID: "missing"})))
	assert.True(t, isErr)

	resp := h.processRequest(context.Background(), call(ToolReadDocument, ReadArgs{}))
	require.NotNil(t, resp.Error)
}

func TestProcessRequest_UnknownToolAndMethod(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	resp := h.processRequest(context.Background(), call("web_search", struct{}{}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrMethodNotFound, resp.Error.(map[string]interface{})["code"])

	resp = h.processRequest(context.Background(), JSONRPCRequest{JSONRPC: "2.0", Method: "resources/list", ID: 2})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrMethodNotFound, resp.Error.(map[string]interface{})["code"])
}

func TestServeHTTP_ParseError(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString("{")))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, ErrParse, resp["error"].(map[string]interface{})["code"])
}

func TestHandler_HandleMessage_MissingSessionID(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.HandleMessage(rec, httptest.NewRequest(http.MethodPost, "/mcp/messages", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp["error"].(map[string]interface{})["code"])
}

func TestHandler_HandleMessage_SessionNotFound(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.HandleMessage(rec, httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId=unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_HandleMessage_DeliversToSession(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	ch := make(chan string, 1)
	h.sessions["s1"] = ch

	body := `{"jsonrpc":"2.0","method":"tools/list","id":7}`
	rec := httptest.NewRecorder()
	h.HandleMessage(rec, httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId=s1", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	msg := <-ch
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg), &resp))
	assert.EqualValues(t, 7, resp["id"])
	assert.Contains(t, msg, ToolAsk)
}
