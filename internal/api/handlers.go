package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/cart"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

type turnResponse struct {
	models.APIResponse
	*flow.TurnResult
}

type audioResponse struct {
	models.APIResponse
	*flow.AudioResult
}

type validationResponse struct {
	models.APIResponse
	*flow.ValidationResult
}

type proposalResponse struct {
	models.APIResponse
	*flow.Proposal
}

type finalizeResponse struct {
	models.APIResponse
	*flow.FinalizeResult
}

type cartResponse struct {
	models.APIResponse
	OrderID string       `json:"order_id"`
	Created bool         `json:"created"`
	Total   models.Money `json:"total"`
	Summary string       `json:"summary"`
}

type cancelResponse struct {
	models.APIResponse
	OrderID string `json:"order_id,omitempty"`
}

type failedJobsResponse struct {
	models.APIResponse
	Jobs []store.Job `json:"jobs"`
}

type itemRequest struct {
	CustomerID string        `json:"customer_id"`
	Item       flow.ItemArgs `json:"item"`
}

// webhookHandler receives the api-wa.me webhook (POST /webhook).
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var ev flow.WebhookEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, "webhookHandler", err)
		return
	}
	out, err := s.pipeline.Router.HandleWebhook(r.Context(), ev)
	if err != nil {
		writeError(w, "webhookHandler", err)
		return
	}
	if out.Ignored != "" {
		slog.Debug("Server.webhookHandler: ignored", "reason", out.Ignored)
		writeText(w, http.StatusOK, out.Ignored)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow.AcceptedMessage))
}

// orchestrateHandler runs one orchestrator turn (POST /orchestrate).
func (s *Server) orchestrateHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "orchestrateHandler", err)
		return
	}
	res, err := s.pipeline.Orchestrator.HandleMessage(r.Context(), req.MessageID)
	if err != nil {
		writeError(w, "orchestrateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, turnResponse{models.Success(""), res})
}

// audioHandler transcribes and routes a voice message (POST /audio).
func (s *Server) audioHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req flow.AudioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "audioHandler", err)
		return
	}
	res, err := s.pipeline.Audio.Process(r.Context(), req)
	if err != nil {
		writeError(w, "audioHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, audioResponse{models.Success(""), res})
}

// validateKeywordHandler judges a transcript against the order keyword (POST /keyword/validate).
func (s *Server) validateKeywordHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req flow.ValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "validateKeywordHandler", err)
		return
	}
	res, err := s.pipeline.Validator.Validate(r.Context(), req)
	if err != nil {
		writeError(w, "validateKeywordHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, validationResponse{models.Success(""), res})
}

// addCartItemHandler adds an item to the active cart and sends the updated
// cart to the customer (POST /cart/items). item.value is the unit price.
func (s *Server) addCartItemHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req itemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "addCartItemHandler", err)
		return
	}
	res, err := s.pipeline.Cart.AddItem(r.Context(), req.CustomerID, req.Item.CartItem())
	if err != nil {
		writeError(w, "addCartItemHandler", err)
		return
	}
	summary := res.Cart.Summary()
	if err := s.msg.SendButtons(r.Context(), res.Customer.PhoneNumber, flow.CartUpdatedMessage(summary)); err != nil {
		slog.Error("Server.addCartItemHandler: cart message failed", "customer_id", req.CustomerID, "error", err)
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{
		APIResponse: models.Success(""),
		OrderID:     res.Order.ID,
		Created:     res.Created,
		Total:       res.Cart.Total,
		Summary:     summary,
	})
}

// cancelCartHandler empties the active cart (POST /cart/cancel).
func (s *Server) cancelCartHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "cancelCartHandler", err)
		return
	}
	res, err := s.pipeline.Cart.CancelActiveOrder(r.Context(), req.CustomerID)
	if err != nil {
		writeError(w, "cancelCartHandler", err)
		return
	}
	text := flow.CancelConfirmation(res.OrderID != "")
	if err := s.msg.SendText(r.Context(), res.Customer.PhoneNumber, text); err != nil {
		slog.Error("Server.cancelCartHandler: confirmation failed", "customer_id", req.CustomerID, "error", err)
	}
	writeJSONResponse(w, http.StatusOK, cancelResponse{APIResponse: models.Success(text), OrderID: res.OrderID})
}

// proposalHandler sends an item proposal (POST /proposals). item.value is the line total.
func (s *Server) proposalHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req itemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "proposalHandler", err)
		return
	}
	c, err := s.customer(r.Context(), req.CustomerID)
	if err != nil {
		writeError(w, "proposalHandler", err)
		return
	}
	prop, err := s.pipeline.Proposals.Propose(r.Context(), c, req.Item.Proposed())
	if err != nil {
		writeError(w, "proposalHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, proposalResponse{models.Success(""), prop})
}

// finalizeThreadHandler migrates a thread past a tool call (POST /threads/finalize).
func (s *Server) finalizeThreadHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req flow.FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "finalizeThreadHandler", err)
		return
	}
	res, err := s.pipeline.Finalizer.Finalize(r.Context(), req)
	if err != nil {
		writeError(w, "finalizeThreadHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, finalizeResponse{models.Success(""), res})
}

// failedJobsHandler lists the durable failure log (GET /jobs/failed).
func (s *Server) failedJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	jobs, err := s.st.ListFailedJobs(r.Context(), DefaultFailedJobsLimit)
	if err != nil {
		writeError(w, "failedJobsHandler", err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSONResponse(w, http.StatusOK, failedJobsResponse{APIResponse: models.Success(""), Jobs: jobs})
}

// healthHandler reports liveness and whether the store answers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if _, err := s.st.GetConfigValue(ctx, models.ConfigKeyWAMeAPIKey); err != nil {
		slog.Warn("Health check: store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "store unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

func (s *Server) customer(ctx context.Context, id string) (*models.Customer, error) {
	if id == "" {
		return nil, models.ErrEmptyCustomerID
	}
	c, err := s.st.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", cart.ErrCustomerNotFound, id)
	}
	return c, nil
}
