// ABOUTME: Admin API for operators: registered platforms, thread subscriptions and push subscriptions
// ABOUTME: Mounted under /api behind operator token authentication

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/pushsub"
	"github.com/2389/coven-chat/internal/state"
	"github.com/2389/coven-chat/internal/threadid"
)

// PlatformResponse is one entry of GET /api/platforms.
type PlatformResponse struct {
	Name  string `json:"name"`
	BotID string `json:"bot_id,omitempty"`
}

// SubscriptionRequest is the JSON body of POST /api/subscriptions.
type SubscriptionRequest struct {
	ThreadID string `json:"thread_id"`
}

// ListSubscriptionsResponse is the JSON response of GET /api/subscriptions.
type ListSubscriptionsResponse struct {
	Subscriptions []string `json:"subscriptions"`
}

// PushSubscriptionResponse reports a provider-side subscription.
type PushSubscriptionResponse struct {
	Name       string    `json:"name"`
	ResourceID string    `json:"resource_id"`
	ExpireTime time.Time `json:"expire_time"`
}

// pushSubscriber is implemented by adapters backed by expiring push
// subscriptions.
type pushSubscriber interface {
	Subscriptions() *pushsub.Manager
}

func (s *Server) registerAPIRoutes(api *mux.Router) {
	api.HandleFunc("/platforms", s.handleListPlatforms).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", s.handleUnsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/push-subscriptions/{platform}", s.handleGetPushSubscription).Methods(http.MethodGet)
	api.HandleFunc("/push-subscriptions/{platform}", s.handleEnsurePushSubscription).Methods(http.MethodPost)
}

// sendJSON writes v with status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	names := s.dispatcher.Platforms()
	sort.Strings(names)

	out := make([]PlatformResponse, 0, len(names))
	for _, name := range names {
		out = append(out, PlatformResponse{
			Name:  name,
			BotID: s.dispatcher.Normalizer().Resolver(name).BotID(),
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := state.Collect(s.store.ListSubscriptions(r.Context()))
	if err != nil {
		s.logger.Error("failed to list subscriptions", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if subs == nil {
		subs = []string{}
	}
	sort.Strings(subs)
	s.sendJSON(w, http.StatusOK, ListSubscriptionsResponse{Subscriptions: subs})
}

// resolveThread checks that threadID is well formed for a registered platform.
func (s *Server) resolveThread(threadID string) (chat.Adapter, error) {
	adapter, ok := s.dispatcher.Adapter(threadid.Platform(threadID))
	if !ok {
		return nil, errors.New("no adapter for thread platform")
	}
	if _, err := adapter.Codec().Decode(threadID); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	adapter, err := s.resolveThread(req.ThreadID)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Subscribe(r.Context(), req.ThreadID); err != nil {
		s.logger.Error("failed to subscribe", "thread_id", req.ThreadID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ensurer, ok := adapter.(chat.SubscriptionEnsurer); ok {
		ensurer.EnsureSubscription(r.Context(), req.ThreadID)
	}
	s.logger.Info("thread subscribed by operator", "thread_id", req.ThreadID)
	s.sendJSON(w, http.StatusCreated, SubscriptionRequest{ThreadID: req.ThreadID})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if _, err := s.resolveThread(threadID); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Unsubscribe(r.Context(), threadID); err != nil {
		s.logger.Error("failed to unsubscribe", "thread_id", threadID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushManager returns the push subscription manager of the named platform.
func (s *Server) pushManager(w http.ResponseWriter, r *http.Request) (*pushsub.Manager, string, bool) {
	platform := mux.Vars(r)["platform"]
	adapter, ok := s.dispatcher.Adapter(platform)
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "unknown platform")
		return nil, "", false
	}
	ps, ok := adapter.(pushSubscriber)
	if !ok || ps.Subscriptions() == nil {
		s.sendJSONError(w, http.StatusNotFound, "platform has no push subscriptions")
		return nil, "", false
	}
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		s.sendJSONError(w, http.StatusBadRequest, "resource is required")
		return nil, "", false
	}
	return ps.Subscriptions(), resource, true
}

func pushResponse(info *pushsub.Info) PushSubscriptionResponse {
	return PushSubscriptionResponse{Name: info.Name, ResourceID: info.ResourceID, ExpireTime: info.ExpireTime}
}

func (s *Server) handleGetPushSubscription(w http.ResponseWriter, r *http.Request) {
	m, resource, ok := s.pushManager(w, r)
	if !ok {
		return
	}
	info, ok := m.Cached(r.Context(), resource)
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "no live subscription cached")
		return
	}
	s.sendJSON(w, http.StatusOK, pushResponse(info))
}

func (s *Server) handleEnsurePushSubscription(w http.ResponseWriter, r *http.Request) {
	m, resource, ok := s.pushManager(w, r)
	if !ok {
		return
	}
	info, ok := m.Ensure(r.Context(), resource)
	if !ok {
		s.sendJSONError(w, http.StatusBadGateway, "subscription could not be ensured")
		return
	}
	s.sendJSON(w, http.StatusOK, pushResponse(info))
}
