// Package mcp exposes question answering and passage search as Model
// Context Protocol tools over JSON-RPC, either per POST or over an SSE
// session.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/features/document"
	"docqa/features/query"
	"docqa/internal/answer"
	"docqa/internal/index"
	"docqa/internal/middleware"
	"docqa/internal/retrieval"
)

type Asker interface {
	Ask(ctx context.Context, q query.Query) (*answer.Answer, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int, filter index.Filter) ([]retrieval.Passage, error)
}

type DocumentLister interface {
	List(ctx context.Context) ([]document.Document, error)
	ListChunks(ctx context.Context, id string) ([]document.Chunk, error)
}

type Handler struct {
	asker        Asker
	retriever    Retriever
	docs         DocumentLister
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(a Asker, r Retriever, d DocumentLister) *Handler {
	return &Handler{
		asker:     a,
		retriever: r,
		docs:      d,
		sessions:  make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type AskArgs struct {
	Question    string   `json:"question"`
	TopK        int      `json:"top_k,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type SearchArgs struct {
	Query       string   `json:"query"`
	Limit       int      `json:"limit,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type ReadArgs struct {
	DocumentID string `json:"document_id"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

const (
	ToolAsk           = "docqa_ask"
	ToolSearch        = "docqa_search"
	ToolListDocuments = "docqa_list_documents"
	ToolReadDocument  = "docqa_read_document"
)

var documentIDsSchema = map[string]interface{}{
	"type":        "array",
	"items":       map[string]string{"type": "string"},
	"description": "Restrict to these document ids",
}

func tools() []Tool {
	return []Tool{
		{
			Name: ToolAsk,
			Description: `Answers a question from the uploaded PDF documents only. The answer cites document and page for every claim, or says "Answer not found in provided documents." when the documents do not contain it.

USAGE EXAMPLE:
docqa_ask(question="What is the notice period?", document_ids=["..."])`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"question":     map[string]string{"type": "string", "description": "The question"},
					"top_k":        map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
					"document_ids": documentIDsSchema,
				},
				"required": []string{"question"},
			},
		},
		{
			Name:        ToolSearch,
			Description: "Returns the passages most similar to a query, with document, page and score, without generating an answer.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query":        map[string]string{"type": "string", "description": "The search query"},
					"limit":        map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
					"document_ids": documentIDsSchema,
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolListDocuments,
			Description: "Lists uploaded documents with their ingestion status and page count.",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        ToolReadDocument,
			Description: "Returns every chunk of one document in order, with the pages each chunk spans.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"document_id": map[string]string{"type": "string"},
				},
				"required": []string{"document_id"},
			},
		},
	}
}

// processRequest returns nil for notifications, which get no response.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "docqa-mcp", "version": "1.0.0"},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return result(req.ID, ListToolsResult{Tools: tools()})
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
		}
		return h.callTool(ctx, req.ID, params)
	}
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	var (
		text string
		err  error
	)
	switch params.Name {
	case ToolAsk:
		var args AskArgs
		if json.Unmarshal(params.Arguments, &args) != nil || strings.TrimSpace(args.Question) == "" {
			return errorResponse(id, ErrInvalidParams, "Question is required")
		}
		text, err = h.ask(ctx, args)
	case ToolSearch:
		var args SearchArgs
		if json.Unmarshal(params.Arguments, &args) != nil || strings.TrimSpace(args.Query) == "" {
			return errorResponse(id, ErrInvalidParams, "Query is required")
		}
		text, err = h.search(ctx, args)
	case ToolListDocuments:
		text, err = h.listDocuments(ctx)
	case ToolReadDocument:
		var args ReadArgs
		if json.Unmarshal(params.Arguments, &args) != nil || args.DocumentID == "" {
			return errorResponse(id, ErrInvalidParams, "document_id is required")
		}
		text, err = h.readDocument(ctx, args.DocumentID)
	default:
		return errorResponse(id, ErrMethodNotFound, "Tool not found: "+params.Name)
	}

	if err != nil {
		slog.ErrorContext(ctx, "tool execution failed", "tool", params.Name, "error", err)
		return result(id, ToolResult{Content: []ToolContent{{Type: "text", Text: "Error: " + err.Error()}}, IsError: true})
	}
	slog.InfoContext(ctx, "tool execution completed", "tool", params.Name)
	return result(id, ToolResult{Content: []ToolContent{{Type: "text", Text: text}}})
}

func (h *Handler) ask(ctx context.Context, args AskArgs) (string, error) {
	ans, err := h.asker.Ask(ctx, query.Query{Question: args.Question, TopK: args.TopK, DocumentIDs: args.DocumentIDs})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(ans.Text)
	if len(ans.Citations) > 0 {
		b.WriteString("\n\nSources:\n")
		for i, c := range ans.Citations {
			fmt.Fprintf(&b, "[%d] %s (document %s), page %d\n", i+1, c.Filename, c.DocumentID, c.Page)
		}
	}
	return b.String(), nil
}

func (h *Handler) search(ctx context.Context, args SearchArgs) (string, error) {
	passages, err := h.retriever.Retrieve(ctx, args.Query, args.Limit, index.Filter{DocumentIDs: args.DocumentIDs})
	if err != nil {
		return "", err
	}
	if len(passages) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "Result %d (Score: %.2f):\n", i+1, p.Score)
		fmt.Fprintf(&b, "Document: %s (%s)\nPage: %d\n", p.Filename, p.DocumentID, p.Page)
		fmt.Fprintf(&b, "Content:\n%s\n\n---\n", p.Text)
	}
	return b.String(), nil
}

func (h *Handler) listDocuments(ctx context.Context) (string, error) {
	docs, err := h.docs.List(ctx)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "No documents found.", nil
	}

	type simpleDocument struct {
		ID        string `json:"id"`
		Filename  string `json:"filename"`
		Status    string `json:"status"`
		PageCount int    `json:"page_count"`
	}
	out := make([]simpleDocument, len(docs))
	for i, d := range docs {
		out[i] = simpleDocument{ID: d.ID, Filename: d.Filename, Status: string(d.Status), PageCount: d.PageCount}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *Handler) readDocument(ctx context.Context, id string) (string, error) {
	chunks, err := h.docs.ListChunks(ctx, id)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "Document has no indexed text.", nil
	}
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "[pages %d-%d]\n%s\n\n", c.StartPage, c.EndPage, c.Text)
	}
	return b.String(), nil
}

func result(id interface{}, v interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   map[string]interface{}{"code": code, "message": message},
		ID:      id,
	}
}

// ServeHTTP answers a single JSON-RPC request in the response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeRPC(r.Context(), w, errorResponse(nil, ErrParse, "Parse error"))
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.writeRPC(r.Context(), w, resp)
}

func (h *Handler) writeRPC(ctx context.Context, w http.ResponseWriter, resp *JSONRPCResponse) {
	// JSON-RPC errors travel in a 200 response.
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode rpc response", "error", err)
	}
}

// HandleSSE opens a session and streams its responses as SSE events.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeHTTPError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		close(msgChan)
		h.sessionsLock.Unlock()
		slog.InfoContext(r.Context(), "sse session ended", "session_id", sessionID)
	}()
	slog.InfoContext(r.Context(), "sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a request for an open session. The response is
// delivered on the session's stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeHTTPError(ctx, w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId")
		return
	}

	h.sessionsLock.RLock()
	_, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		slog.WarnContext(ctx, "session not found", "session_id", sessionID)
		h.writeHTTPError(ctx, w, http.StatusNotFound, "NOT_FOUND", "Session not found")
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeHTTPError(ctx, w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON")
		return
	}

	w.WriteHeader(http.StatusAccepted)

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		resp := h.processRequest(bgCtx, req)
		if resp == nil {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(bgCtx, "failed to marshal response", "error", err)
			return
		}
		h.deliver(bgCtx, sessionID, string(data))
	}()
}

// deliver holds the read lock while sending so the session cannot close
// its channel mid-send.
func (h *Handler) deliver(ctx context.Context, sessionID, msg string) {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	ch, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case ch <- msg:
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}

func (h *Handler) writeHTTPError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
