package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/config"
)

const promptSystemMessage = `You are an expert in writing structured prompts for ad image generation.

Reformat and enhance the user's prompt:
- Make the structure clear, concise and visually descriptive.
- Reword for clarity without adding or removing details unless clearly implied.
- Improve flow and grammar without changing the meaning.

Keep every user-specified element (product details, styles, settings).

Output only the final prompt, with no commentary.`

type ImageGenerationRequest struct {
	Prompt     string
	Images     []InputImage
	Quality    string
	NumSamples int
}

// InputImage is an uploaded reference image.
type InputImage struct {
	Filename    string
	ContentType string
	Data        []byte `validate:"required,maximagesize"`
}

// ImageGenerator is the external work executor behind ad generation.
type ImageGenerator interface {
	FormatPrompt(ctx context.Context, prompt string) (string, error)
	GenerateImages(ctx context.Context, req ImageGenerationRequest) ([][]byte, error)
}

type OpenAIClient struct {
	apiKey      string
	baseURL     string
	imageModel  string
	promptModel string
	httpClient  *http.Client
}

func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		imageModel:  cfg.ImageModel,
		promptModel: cfg.PromptModel,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FormatPrompt rewrites a user prompt for image generation. An empty completion
// returns the prompt unchanged.
func (c *OpenAIClient) FormatPrompt(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.promptModel,
		"messages": []chatMessage{
			{Role: "system", Content: promptSystemMessage},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := c.do(ctx, "/chat/completions", "application/json", bytes.NewReader(body), &result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return prompt, nil
	}
	return result.Choices[0].Message.Content, nil
}

// GenerateImages calls the image edit endpoint with the reference images and
// returns the decoded results.
func (c *OpenAIClient) GenerateImages(ctx context.Context, req ImageGenerationRequest) ([][]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":   c.imageModel,
		"prompt":  req.Prompt,
		"n":       strconv.Itoa(req.NumSamples),
		"quality": req.Quality,
		"size":    "auto",
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	for i, img := range req.Images {
		filename := img.Filename
		if filename == "" {
			filename = fmt.Sprintf("image_%d.png", i)
		}
		part, err := mw.CreateFormFile("image[]", filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := c.do(ctx, "/images/edits", mw.FormDataContentType(), &buf, &result); err != nil {
		return nil, err
	}

	images := make([][]byte, 0, len(result.Data))
	for i, item := range result.Data {
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		images = append(images, data)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("image API returned no images")
	}
	return images, nil
}

func (c *OpenAIClient) do(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	logrus.WithField("path", path).Debug("[OPENAI] Calling API")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("[OPENAI] Request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		logrus.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode}).Error("[OPENAI] API returned non-OK status")
		if apiErr.Error.Message != "" {
			return fmt.Errorf("image API returned status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("image API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
