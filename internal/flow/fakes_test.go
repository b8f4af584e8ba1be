package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// fakeModel is an in-memory ModelService. Threads are numbered conv_1, conv_2, ...
type fakeModel struct {
	mu sync.Mutex

	completeFn func(prompt string, opts genai.CompletionOptions) (genai.Completion, error)
	respondFn  func(req genai.ResponseRequest) (*genai.Response, error)
	transcript string
	addErr     error

	nextThread  int
	threads     map[string][]genai.ThreadItem
	metadata    map[string]map[string]string
	deleted     []string
	prompts     []string
	requests    []genai.ResponseRequest
	transcribed int
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		threads:  make(map[string][]genai.ThreadItem),
		metadata: make(map[string]map[string]string),
	}
}

func (f *fakeModel) Complete(ctx context.Context, prompt string, opts genai.CompletionOptions) (genai.Completion, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	fn := f.completeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(prompt, opts)
	}
	return genai.Completion{Text: "Resumo da conversa do delivery: cliente pediu pizza.", Usage: genai.Usage{Total: 42}}, nil
}

func (f *fakeModel) CreateThread(ctx context.Context, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextThread++
	id := fmt.Sprintf("conv_%d", f.nextThread)
	f.threads[id] = nil
	f.metadata[id] = metadata
	return id, nil
}

func (f *fakeModel) ListThreadItems(ctx context.Context, threadID string, limit int) ([]genai.ThreadItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.threads[threadID]
	// newest first, like the API
	out := make([]genai.ThreadItem, 0, len(items))
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out, nil
}

func (f *fakeModel) AddThreadItems(ctx context.Context, threadID string, items []genai.ThreadItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.threads[threadID] = append(f.threads[threadID], items...)
	return nil
}

func (f *fakeModel) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
	f.deleted = append(f.deleted, threadID)
	return nil
}

func (f *fakeModel) Respond(ctx context.Context, req genai.ResponseRequest) (*genai.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.respondFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected Respond call")
	}
	resp, err := fn(req)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.threads[req.Conversation] = append(f.threads[req.Conversation], genai.UserText(req.Input))
	f.threads[req.Conversation] = append(f.threads[req.Conversation], resp.Output...)
	f.mu.Unlock()
	return resp, nil
}

func (f *fakeModel) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribed++
	if len(audio) == 0 {
		return "", genai.ErrEmptyAudio
	}
	return f.transcript, nil
}

func (f *fakeModel) respondCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func replyWith(text string) func(genai.ResponseRequest) (*genai.Response, error) {
	return func(genai.ResponseRequest) (*genai.Response, error) {
		return &genai.Response{ID: "resp_1", Output: []genai.ThreadItem{genai.AssistantText(text)}}, nil
	}
}

func callOrderTool(args string) func(genai.ResponseRequest) (*genai.Response, error) {
	return func(genai.ResponseRequest) (*genai.Response, error) {
		return &genai.Response{ID: "resp_1", Output: []genai.ThreadItem{{
			Type:      "function_call",
			Name:      OrderToolName,
			Arguments: args,
			CallID:    "call_1",
		}}}, nil
	}
}

type testEnv struct {
	pipeline *Pipeline
	store    *store.InMemoryStore
	model    *fakeModel
	msg      *messaging.MockService
	runner   *store.JobRunner
}

const testInstructions = "Você é o atendente do delivery.\n\nCardápio:\n{MENU}"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	for _, m := range []models.MenuItem{
		{ID: "p1", Name: "Pizza Margherita", Price: 4000, Active: true},
		{ID: "p2", Name: "Refrigerante", Price: 650, Active: true},
	} {
		if err := st.UpsertMenuItem(ctx, m); err != nil {
			t.Fatalf("UpsertMenuItem: %v", err)
		}
	}
	if err := st.SavePrompt(ctx, models.PromptConfig{
		Context:      PromptContext,
		Version:      1,
		Instructions: testInstructions,
		Active:       true,
	}); err != nil {
		t.Fatalf("SavePrompt: %v", err)
	}

	model := newFakeModel()
	msg := messaging.NewMockService()
	runner := store.NewJobRunner(st, 0)
	p := New(st, model, msg, runner,
		WithDeliveryDelay(0),
		WithRetryPolicy(genai.RetryPolicy{MaxAttempts: 1}),
	)
	p.Router.pickKeyword = func() string { return "RUBI" }
	p.Router.pickName = func() string { return "Ana" }
	return &testEnv{pipeline: p, store: st, model: model, msg: msg, runner: runner}
}

func (e *testEnv) customer(t *testing.T, phone string, status models.ConversationStatus) *models.Customer {
	t.Helper()
	c, _, err := e.store.CreateCustomer(context.Background(), phone, "Ana Souza", status)
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	return c
}

func (e *testEnv) reload(t *testing.T, id string) *models.Customer {
	t.Helper()
	c, err := e.store.GetCustomer(context.Background(), id)
	if err != nil || c == nil {
		t.Fatalf("GetCustomer(%s) = %v, %v", id, c, err)
	}
	return c
}

// checkedOut puts a customer in finalizando_pedido with an in-progress order
// holding one pizza under the given keyword.
func (e *testEnv) checkedOut(t *testing.T, phone, keyword string) (*models.Customer, *models.Order) {
	t.Helper()
	ctx := context.Background()
	c := e.customer(t, phone, models.StatusBrowsing)
	res, err := e.pipeline.Cart.AddItem(ctx, c.ID, models.CartItem{ProductID: "p1", Quantity: 1, UnitPrice: 4000})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := e.store.CheckoutOrder(ctx, res.Order.ID, keyword); err != nil {
		t.Fatalf("CheckoutOrder: %v", err)
	}
	if err := e.store.SetCustomerStatus(ctx, c.ID, models.StatusFinalizing); err != nil {
		t.Fatalf("SetCustomerStatus: %v", err)
	}
	return e.reload(t, c.ID), res.Order
}
