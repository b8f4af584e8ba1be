package flow

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

const (
	audioFilename = "audio.ogg"
	audioLanguage = "pt"
)

// AudioRequest carries a voice message to transcribe.
type AudioRequest struct {
	CustomerID  string `json:"customer_id"`
	PhoneNumber string `json:"phone_number"`
	AudioBase64 string `json:"audio_base64"`
}

// AudioResult reports the transcript and where it was routed.
type AudioResult struct {
	MessageID    string            `json:"message_id"`
	Transcript   string            `json:"transcript"`
	AudioSize    int               `json:"audio_size"`
	Orchestrated bool              `json:"orchestrated"`
	Turn         *TurnResult       `json:"turn,omitempty"`
	Validation   *ValidationResult `json:"validation,omitempty"`
}

// AudioIntake transcribes voice messages and routes the transcript.
type AudioIntake struct {
	store        store.Store
	model        ModelService
	orchestrator *Orchestrator
	validator    *KeywordValidator
}

func NewAudioIntake(st store.Store, model ModelService, orchestrator *Orchestrator, validator *KeywordValidator) *AudioIntake {
	return &AudioIntake{store: st, model: model, orchestrator: orchestrator, validator: validator}
}

// DecodeAudio strips a data-URL prefix and decodes the base64 payload.
func DecodeAudio(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if i := strings.Index(payload, ","); i >= 0 {
		payload = payload[i+1:]
	}
	if payload == "" {
		return nil, genai.ErrEmptyAudio
	}
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	if len(audio) == 0 {
		return nil, genai.ErrEmptyAudio
	}
	return audio, nil
}

// Process transcribes the audio, stores the transcript and routes it by the
// customer's status as it is now: finalizando_pedido goes to the keyword
// validator, anything else to the orchestrator.
func (a *AudioIntake) Process(ctx context.Context, req AudioRequest) (*AudioResult, error) {
	if req.CustomerID == "" {
		return nil, models.ErrEmptyCustomerID
	}
	audio, err := DecodeAudio(req.AudioBase64)
	if err != nil {
		return nil, err
	}
	transcript, err := a.model.Transcribe(ctx, audio, audioFilename, audioLanguage)
	if err != nil {
		return nil, err
	}

	msg := &models.InboundMessage{
		CustomerID:  req.CustomerID,
		PhoneNumber: req.PhoneNumber,
		Body:        transcript,
		HasAudio:    true,
	}
	if err := a.store.AddInboundMessage(ctx, msg); err != nil {
		return nil, err
	}
	res := &AudioResult{MessageID: msg.ID, Transcript: transcript, AudioSize: len(audio)}
	slog.Info("AudioIntake.Process: transcribed", "customer_id", req.CustomerID, "message_id", msg.ID, "bytes", len(audio))

	c, err := a.store.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", cart.ErrCustomerNotFound, req.CustomerID)
	}

	if c.Status == models.StatusFinalizing {
		v, err := a.validator.Validate(ctx, ValidateRequest{CustomerID: c.ID, Transcript: transcript, ThreadID: c.ThreadID})
		if err != nil {
			return nil, err
		}
		res.Validation = v
		return res, nil
	}

	turn, err := a.orchestrator.HandleMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	res.Orchestrated = true
	res.Turn = turn
	return res, nil
}
