package genai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
)

var (
	ErrEmptyAudio      = errors.New("audio payload is empty")
	ErrEmptyTranscript = errors.New("transcription returned empty text")
)

// Transcribe converts audio to text with whisper-1. language is an ISO-639-1 hint.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio.ogg"
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, "audio/ogg"),
		Model: openai.AudioModelWhisper1,
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	text, err := c.audio.Transcribe(ctx, params)
	if err != nil {
		slog.Error("genai.Transcribe failed", "bytes", len(audio), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	slog.Debug("genai.Transcribe succeeded", "bytes", len(audio), "chars", len(text))
	return text, nil
}
