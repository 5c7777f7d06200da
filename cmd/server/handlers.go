package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bvrag/bvrag"
	"github.com/bvrag/bvrag/pipeline"
	"github.com/bvrag/bvrag/retrieval"
	"github.com/bvrag/bvrag/store"
)

type handler struct {
	engine *bvrag.Engine
}

func newHandler(e *bvrag.Engine) *handler {
	return &handler{engine: e}
}

// textQueryResponse is the envelope shape shared by /text-query,
// /voice/query and the WS "response" message: pipeline.Response plus the
// two fields (answer_audio_base64, transcription) that are assembled at
// the HTTP layer rather than inside the pipeline, since voice synthesis
// and transcription belong to the speech adapters, not the orchestrator.
type textQueryResponse struct {
	*pipeline.Response
	AnswerAudioBase64 *string `json:"answer_audio_base64"`
	Transcription     string  `json:"transcription,omitempty"`
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/v1/voice/text-query
func (h *handler) handleTextQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 2*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(1 << 20); err != nil && err != http.ErrNotMultipart {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
	}

	text := r.FormValue("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	inputMode := r.FormValue("input_mode")
	if inputMode == "" {
		inputMode = "text"
	}
	generateAudio := r.FormValue("generate_audio") == "true"

	resp, err := h.engine.Query(ctx, pipeline.Request{
		SessionID: sessionID,
		Query:     text,
		InputMode: inputMode,
	})
	h.respondQuery(w, r, resp, err, generateAudio, "")
}

// POST /api/v1/voice/query
func (h *handler) handleVoiceQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 2*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(20 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart audio upload")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded audio")
		return
	}
	format := audioFormat(header.Filename)

	transcript, err := h.engine.Transcribe(ctx, audio, format)
	if err != nil {
		writeError(w, statusFor(err), "transcription failed")
		slog.Error("voice query: transcription failed", "error", err)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	generateAudio := r.FormValue("generate_audio") == "true"

	resp, err := h.engine.Query(ctx, pipeline.Request{
		SessionID: sessionID,
		Query:     transcript,
		InputMode: "voice",
	})
	h.respondQuery(w, r, resp, err, generateAudio, transcript)
}

func (h *handler) respondQuery(w http.ResponseWriter, r *http.Request, resp *pipeline.Response, err error, generateAudio bool, transcript string) {
	if resp == nil {
		writeError(w, statusFor(err), "query failed")
		slog.Error("query failed", "error", err)
		return
	}

	envelope := textQueryResponse{Response: resp, Transcription: transcript}
	if generateAudio && err == nil {
		audio, _, aerr := h.engine.Synthesize(r.Context(), resp.AnswerText)
		if aerr != nil {
			slog.Warn("text-to-speech synthesis failed, returning text-only answer", "error", aerr)
		} else {
			encoded := base64.StdEncoding.EncodeToString(audio)
			envelope.AnswerAudioBase64 = &encoded
		}
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, envelope)
}

// POST /api/v1/voice/tts
func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 30*time.Second)
	defer cancel()

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	text := r.FormValue("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	audio, format, err := h.engine.Synthesize(ctx, text)
	if err != nil {
		writeError(w, statusFor(err), "speech synthesis failed")
		slog.Error("tts error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"answer_audio_base64": base64.StdEncoding.EncodeToString(audio),
		"audio_format":         format,
	})
}

// GET /api/v1/voice/ws/{session_id}
// Upgrade once, then loop reading client messages and writing back the
// same response envelope /text-query produces.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type wsClientMessage struct {
	Type  string `json:"type"` // "text" or "audio"
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"` // base64
}

// wsServerMessage is either {type:"error", message} or {type:"response", ...}
// with the same envelope fields as /text-query flattened in — the embedded
// *textQueryResponse's promoted fields are simply absent when nil.
type wsServerMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	*textQueryResponse
}

func (h *handler) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("voice ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("voice ws: unexpected close", "error", err)
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writeWSError(conn, "invalid message")
			continue
		}

		ctx, cancel := ctxTimeout(r, 2*time.Minute)
		query, transcript := msg.Text, ""
		if msg.Type == "audio" {
			audio, derr := base64.StdEncoding.DecodeString(msg.Audio)
			if derr != nil {
				writeWSError(conn, "invalid audio payload")
				cancel()
				continue
			}
			text, terr := h.engine.Transcribe(ctx, audio, "webm")
			if terr != nil {
				writeWSError(conn, "transcription failed")
				cancel()
				continue
			}
			query, transcript = text, text
		}
		if query == "" {
			writeWSError(conn, "empty message")
			cancel()
			continue
		}

		inputMode := "text"
		if msg.Type == "audio" {
			inputMode = "voice"
		}
		resp, qerr := h.engine.Query(ctx, pipeline.Request{
			SessionID: sessionID, Query: query, InputMode: inputMode,
		})
		cancel()
		if resp == nil {
			writeWSError(conn, "query failed")
			continue
		}

		envelope := &textQueryResponse{Response: resp, Transcription: transcript}
		if qerr != nil {
			slog.Warn("voice ws: query returned structured error", "error", qerr)
		}
		if err := conn.WriteJSON(wsServerMessage{Type: "response", textQueryResponse: envelope}); err != nil {
			slog.Error("voice ws: write failed", "error", err)
			return
		}
	}
}

func writeWSError(conn *websocket.Conn, message string) {
	if err := conn.WriteJSON(wsServerMessage{Type: "error", Message: message}); err != nil {
		slog.Error("voice ws: failed to write error message", "error", err)
	}
}

// POST /api/v1/search
// Bypasses the LLM: raw candidate list for debugging and evaluation.
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 30*time.Second)
	defer cancel()

	var req struct {
		Query            string `json:"query"`
		TopK             int    `json:"top_k"`
		DocumentFilter   string `json:"document_filter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := h.engine.Retriever().Search(ctx, req.Query, retrieval.SearchOptions{
		TopK:    req.TopK,
		Filters: store.Filters{Document: req.DocumentFilter},
	})
	if err != nil {
		writeError(w, statusFor(err), "search failed")
		slog.Error("search error", "query", req.Query, "error", err)
		return
	}

	type candidateView struct {
		ChunkID  int64   `json:"chunk_id"`
		Text     string  `json:"text"`
		Score    float64 `json:"score"`
		Metadata string  `json:"metadata,omitempty"`
	}
	out := make([]candidateView, len(result.Candidates))
	for i, c := range result.Candidates {
		out[i] = candidateView{ChunkID: c.ChunkID, Text: c.Content, Score: c.CombinedScore, Metadata: c.Metadata}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/regulation/{doc_id}
func (h *handler) handleGetRegulation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 10*time.Second)
	defer cancel()

	docID := r.PathValue("doc_id")
	reg, err := h.engine.Store().GetRegulationByRegID(ctx, docID)
	if err != nil {
		writeError(w, statusFor(err), "failed to load regulation")
		slog.Error("get regulation error", "doc_id", docID, "error", err)
		return
	}
	if reg == nil {
		writeError(w, http.StatusNotFound, "regulation not found")
		return
	}

	outbound, inbound, err := h.engine.Store().GetCrossReferences(ctx, docID)
	if err != nil {
		writeError(w, statusFor(err), "failed to load cross references")
		return
	}
	children, err := h.engine.Store().GetChildren(ctx, docID)
	if err != nil {
		writeError(w, statusFor(err), "failed to load children")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"regulation":       reg,
		"outbound_refs":    outbound,
		"inbound_refs":     inbound,
		"children":         children,
	})
}

// GET /api/v1/admin/stats
func (h *handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 10*time.Second)
	defer cancel()

	stats, err := h.engine.Store().AdminStats(ctx)
	if err != nil {
		writeError(w, statusFor(err), "failed to load stats")
		return
	}

	sessions := 0
	if s := h.engine.Sessions(); s != nil {
		if n, err := s.Count(ctx); err == nil {
			sessions = n
		} else {
			slog.Warn("admin stats: session count failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_regulations": stats.TotalRegulations,
		"total_chunks":       stats.TotalChunks,
		"vector_points":      stats.VectorPoints,
		"sessions":           sessions,
	})
}

// GET /api/v1/admin/session/{session_id}
func (h *handler) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 10*time.Second)
	defer cancel()

	sessions := h.engine.Sessions()
	if sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}

	sessionID := r.PathValue("session_id")
	sess, err := sessions.Load(ctx, sessionID)
	if err != nil {
		writeError(w, statusFor(err), "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GET /api/v1/admin/utility-stats
func (h *handler) handleAdminUtilityStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxTimeout(r, 10*time.Second)
	defer cancel()

	stats, err := h.engine.Store().UtilityStats(ctx)
	if err != nil {
		writeError(w, statusFor(err), "failed to load utility stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func audioFormat(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return "wav"
	}
	return filename[idx+1:]
}

func ctxTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// statusFor maps the error taxonomy onto HTTP status codes: 408 for
// timeouts, 503 for upstream outages, 400 for invalid input, 500 for
// internal invariants.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, bvrag.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, bvrag.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, bvrag.ErrEmbeddingUnavailable),
		errors.Is(err, bvrag.ErrIndexUnavailable),
		errors.Is(err, bvrag.ErrRetrievalUnavailable),
		errors.Is(err, bvrag.ErrGenerationUnavailable),
		errors.Is(err, bvrag.ErrSessionStoreUnavailable),
		errors.Is(err, bvrag.ErrUtilityStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}
