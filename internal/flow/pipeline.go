// Package flow runs the ordering conversation: the model dialogue, item
// proposals, thread compaction, audio intake, keyword validation and the
// inbound router that ties them to the messaging channel.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// PromptContext is the prompt configuration used by the model dialogue.
const PromptContext = "navegando"

const (
	// DefaultDeliveryFee is added to every proposal total.
	DefaultDeliveryFee models.Money = 500
	// DefaultDeliveryDelay separates order confirmation from delivery.
	DefaultDeliveryDelay = 5 * time.Second
)

var (
	ErrPromptNotConfigured = errors.New("no active prompt configured")
	ErrMessageNotFound     = errors.New("inbound message not found")
	ErrInvalidThreadID     = errors.New("invalid thread id")
	ErrInvalidAudio        = errors.New("invalid audio payload")
	ErrMissingPhone        = errors.New("could not find the sender phone number")
)

// ModelService is the language-model surface the flows use. *genai.Client implements it.
type ModelService interface {
	Complete(ctx context.Context, prompt string, opts genai.CompletionOptions) (genai.Completion, error)
	CreateThread(ctx context.Context, metadata map[string]string) (string, error)
	ListThreadItems(ctx context.Context, threadID string, limit int) ([]genai.ThreadItem, error)
	AddThreadItems(ctx context.Context, threadID string, items []genai.ThreadItem) error
	DeleteThread(ctx context.Context, threadID string) error
	Respond(ctx context.Context, req genai.ResponseRequest) (*genai.Response, error)
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

var _ ModelService = (*genai.Client)(nil)

// MessagingService is the outbound half of messaging.Service.
type MessagingService interface {
	SendText(ctx context.Context, to string, body string) error
	SendButtons(ctx context.Context, to string, msg messaging.ButtonMessage) error
	SendPresence(ctx context.Context, to string) error
}

// Opts holds the tunables shared by the flow components.
type Opts struct {
	Model         string // model for dialogue turns; empty uses the client default
	DeliveryFee   models.Money
	DeliveryDelay time.Duration
	Retry         genai.RetryPolicy
}

// Option configures the pipeline.
type Option func(*Opts)

// WithModel sets the model used for dialogue turns.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithDeliveryFee sets the fee added to proposal totals.
func WithDeliveryFee(fee models.Money) Option {
	return func(o *Opts) { o.DeliveryFee = fee }
}

// WithDeliveryDelay sets the pause between order confirmation and delivery.
func WithDeliveryDelay(d time.Duration) Option {
	return func(o *Opts) { o.DeliveryDelay = d }
}

// WithRetryPolicy overrides the retry policy of dialogue turns.
func WithRetryPolicy(p genai.RetryPolicy) Option {
	return func(o *Opts) { o.Retry = p }
}

func defaultOpts() Opts {
	return Opts{
		DeliveryFee:   DefaultDeliveryFee,
		DeliveryDelay: DefaultDeliveryDelay,
		Retry:         genai.DefaultRetryPolicy(),
	}
}

// Pipeline wires every flow component over one store, model and messaging channel.
type Pipeline struct {
	Cart         *cart.Engine
	Proposals    *ProposalComposer
	Finalizer    *Finalizer
	Orchestrator *Orchestrator
	Validator    *KeywordValidator
	Audio        *AudioIntake
	Dedup        *DedupGate
	Dispatcher   *JobDispatcher
	Router       *InboundRouter
}

// New builds the pipeline. runner may be nil, in which case jobs are only
// picked up by the runner's poll.
func New(st store.Store, model ModelService, msg MessagingService, runner *store.JobRunner, opts ...Option) *Pipeline {
	o := defaultOpts()
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline{}
	p.Cart = cart.NewEngine(st)
	p.Proposals = NewProposalComposer(p.Cart, msg, o.DeliveryFee)
	p.Finalizer = NewFinalizer(model)
	p.Orchestrator = NewOrchestrator(st, model, msg, p.Proposals, p.Finalizer, o)
	p.Validator = NewKeywordValidator(st, model, msg, o.DeliveryDelay)
	p.Audio = NewAudioIntake(st, model, p.Orchestrator, p.Validator)
	p.Dedup = NewDedupGate(st)
	p.Dispatcher = NewJobDispatcher(st, runner)
	p.Router = NewInboundRouter(st, msg, p.Cart, p.Dedup, p.Dispatcher)
	if runner != nil {
		p.Dispatcher.Register(runner, p.Orchestrator, p.Audio)
	}
	return p
}
