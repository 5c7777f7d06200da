package voice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSTTReturnsStubWithoutBaseURL(t *testing.T) {
	stt := NewSTT(Config{})
	_, ok := stt.(*StubSTT)
	assert.True(t, ok)
}

func TestNewTTSReturnsStubWithoutBaseURL(t *testing.T) {
	tts := NewTTS(Config{})
	_, ok := tts.(*StubTTS)
	assert.True(t, ok)
}

func TestStubSTTReturnsConfiguredResponse(t *testing.T) {
	stub := &StubSTT{Response: "does SOLAS III/31 apply to tankers"}
	text, err := stub.Transcribe(context.Background(), []byte("fake-audio"), "wav")
	require.NoError(t, err)
	assert.Equal(t, "does SOLAS III/31 apply to tankers", text)
}

func TestStubTTSReturnsConfiguredAudio(t *testing.T) {
	stub := &StubTTS{Audio: []byte("fake-mp3-bytes")}
	audio, format, err := stub.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "mp3", format)
	assert.Equal(t, []byte("fake-mp3-bytes"), audio)
}

func TestHTTPSTTTranscribesViaMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(transcriptionResponse{Text: "transcribed text"})
	}))
	defer srv.Close()

	stt := NewSTT(Config{BaseURL: srv.URL})
	text, err := stt.Transcribe(context.Background(), []byte("raw-audio-bytes"), "wav")
	require.NoError(t, err)
	assert.Equal(t, "transcribed text", text)
}

func TestHTTPTTSSynthesizesAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello there", req.Input)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("mp3-audio-bytes"))
	}))
	defer srv.Close()

	tts := NewTTS(Config{BaseURL: srv.URL})
	audio, format, err := tts.Synthesize(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, "mp3", format)
	assert.Equal(t, []byte("mp3-audio-bytes"), audio)
}

func TestHTTPSTTRetriesOnServiceUnavailable(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err, "request body must still be present on retry attempts")
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "raw", string(content), "retried request must resend the original audio, not an empty/drained body")

		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(transcriptionResponse{Text: "ok after retry"})
	}))
	defer srv.Close()

	stt := NewSTT(Config{BaseURL: srv.URL})
	text, err := stt.Transcribe(context.Background(), []byte("raw"), "wav")
	require.NoError(t, err)
	assert.Equal(t, "ok after retry", text)
	assert.Equal(t, 2, attempts)
}

func TestHTTPSTTDoesNotRetryOnBadRequest(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	stt := NewSTT(Config{BaseURL: srv.URL})
	_, err := stt.Transcribe(context.Background(), []byte("raw"), "wav")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
