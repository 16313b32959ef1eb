package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adforge/backend/internal/config"
)

func newTestOpenAIClient(url string) *OpenAIClient {
	return NewOpenAIClient(&config.OpenAIConfig{
		APIKey:      "sk-test",
		BaseURL:     url,
		ImageModel:  "gpt-image-1",
		PromptModel: "gpt-4o-mini",
		Timeout:     5 * time.Second,
	})
}

func TestOpenAIClient_FormatPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "coffee ad", body.Messages[1].Content)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"A warm coffee ad"}}]}`))
	}))
	defer server.Close()

	prompt, err := newTestOpenAIClient(server.URL).FormatPrompt(context.Background(), "coffee ad")

	require.NoError(t, err)
	assert.Equal(t, "A warm coffee ad", prompt)
}

func TestOpenAIClient_FormatPromptEmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	prompt, err := newTestOpenAIClient(server.URL).FormatPrompt(context.Background(), "coffee ad")

	require.NoError(t, err)
	assert.Equal(t, "coffee ad", prompt)
}

func TestOpenAIClient_GenerateImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/edits", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2", r.FormValue("n"))
		assert.Equal(t, "low", r.FormValue("quality"))
		assert.Equal(t, "gpt-image-1", r.FormValue("model"))

		files := r.MultipartForm.File["image[]"]
		require.Len(t, files, 1)
		f, err := files[0].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "input", string(data))

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"b64_json": base64.StdEncoding.EncodeToString([]byte("one"))},
				{"b64_json": base64.StdEncoding.EncodeToString([]byte("two"))},
			},
		})
	}))
	defer server.Close()

	images, err := newTestOpenAIClient(server.URL).GenerateImages(context.Background(), ImageGenerationRequest{
		Prompt:     "A warm coffee ad",
		Images:     []InputImage{{Filename: "cup.png", Data: []byte("input")}},
		Quality:    "low",
		NumSamples: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, images)
}

func TestOpenAIClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid image"}}`))
	}))
	defer server.Close()

	_, err := newTestOpenAIClient(server.URL).GenerateImages(context.Background(), ImageGenerationRequest{Prompt: "x", NumSamples: 1})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid image")
}
