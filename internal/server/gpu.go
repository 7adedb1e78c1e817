package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/morecompute/morecompute/internal/protocol"
	"github.com/morecompute/morecompute/internal/providers"
)

// offerTTL is how long a fetched offer list is served from cache: offer
// listings are expensive upstream calls and the UI polls them.
const offerTTL = 30 * time.Second

// offerCache caches the active provider's offer list.
type offerCache struct {
	mu       sync.Mutex
	provider string
	offers   []providers.GPUOffer
	fetched  time.Time
}

func (c *offerCache) get(provider string) ([]providers.GPUOffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != provider || time.Since(c.fetched) > offerTTL {
		return nil, false
	}
	return c.offers, true
}

func (c *offerCache) put(provider string, offers []providers.GPUOffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = provider
	c.offers = offers
	c.fetched = time.Now()
}

// monitorSet tracks the running pod monitors so they stop with the server.
type monitorSet struct {
	mu       sync.Mutex
	monitors map[string]*providers.PodMonitor
}

func (m *monitorSet) add(podID string, monitor *providers.PodMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitors == nil {
		m.monitors = map[string]*providers.PodMonitor{}
	}
	if old, ok := m.monitors[podID]; ok {
		old.Stop()
	}
	m.monitors[podID] = monitor
}

func (m *monitorSet) stop(podID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if monitor, ok := m.monitors[podID]; ok {
		monitor.Stop()
		delete(m.monitors, podID)
	}
}

func (m *monitorSet) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, monitor := range m.monitors {
		monitor.Stop()
	}
	m.monitors = nil
}

func (s *Server) registerGPURoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/gpu/providers", s.handleListProviders)
	mux.HandleFunc("POST /api/gpu/providers/active", s.handleSetActiveProvider)
	mux.HandleFunc("GET /api/gpu/offers", s.handleListOffers)
	mux.HandleFunc("GET /api/gpu/pods", s.handleListPods)
	mux.HandleFunc("POST /api/gpu/pods", s.handleCreatePod)
	mux.HandleFunc("GET /api/gpu/pods/worker-logs", s.handleWorkerLogs)
	mux.HandleFunc("GET /api/gpu/pods/{id}", s.handleGetPod)
	mux.HandleFunc("DELETE /api/gpu/pods/{id}", s.handleTerminatePod)
	mux.HandleFunc("POST /api/gpu/pods/{id}/stop", s.handleStopPod)
	mux.HandleFunc("POST /api/gpu/pods/{id}/resume", s.handleResumePod)
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	active := ""
	if p := s.registry.Active(); p != nil {
		active = p.Name()
	}
	infos := make([]map[string]any, 0)
	for _, name := range s.registry.Names() {
		p, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, map[string]any{
			"name":          p.Name(),
			"display_name":  p.DisplayName(),
			"configured":    p.IsConfigured(),
			"supports_ssh":  p.SupportsSSH(),
			"dashboard_url": p.DashboardURL(),
			"api_key_env":   p.APIKeyEnvName(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": infos,
		"active":    active,
	})
}

func (s *Server) handleSetActiveProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if err := s.registry.SetActive(req.Provider); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.Provider})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	provider := s.registry.Active()
	if provider == nil {
		writeError(w, http.StatusBadRequest, errors.New("no active GPU provider configured"))
		return
	}
	if offers, ok := s.offers.get(provider.Name()); ok {
		writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "cached": true})
		return
	}
	offers, err := provider.ListOffers(r.Context())
	if err != nil {
		writeProviderError(w, err)
		return
	}
	s.offers.put(provider.Name(), offers)
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "cached": false})
}

func (s *Server) handleListPods(w http.ResponseWriter, r *http.Request) {
	provider := s.registry.Active()
	if provider == nil {
		writeError(w, http.StatusBadRequest, errors.New("no active GPU provider configured"))
		return
	}
	filter := providers.PodFilter{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}
	pods, err := provider.ListPods(r.Context(), filter)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pods": pods})
}

func (s *Server) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	provider := s.registry.Active()
	if provider == nil {
		writeError(w, http.StatusBadRequest, errors.New("no active GPU provider configured"))
		return
	}
	var req providers.CreatePodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if req.OfferID == "" {
		writeError(w, http.StatusBadRequest, errors.New("offer_id is required"))
		return
	}
	if req.Name == "" {
		req.Name = "morecompute-pod"
	}
	pod, err := provider.CreatePod(r.Context(), req)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if err := s.registry.RememberPod(provider.Name(), pod.ID); err != nil {
		klog.Warningf("server: failed to persist pod reference: %+v", err)
	}
	s.watchPod(provider, pod.ID)
	writeJSON(w, http.StatusCreated, pod)
}

func (s *Server) handleGetPod(w http.ResponseWriter, r *http.Request) {
	provider := s.registry.Active()
	if provider == nil {
		writeError(w, http.StatusBadRequest, errors.New("no active GPU provider configured"))
		return
	}
	pod, err := provider.GetPod(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

func (s *Server) handleTerminatePod(w http.ResponseWriter, r *http.Request) {
	provider := s.registry.Active()
	if provider == nil {
		writeError(w, http.StatusBadRequest, errors.New("no active GPU provider configured"))
		return
	}
	podID := r.PathValue("id")
	if err := provider.TerminatePod(r.Context(), podID); err != nil {
		writeProviderError(w, err)
		return
	}
	s.monitors.stop(podID)
	if err := s.registry.ForgetPod(); err != nil {
		klog.Warningf("server: failed to clear pod reference: %+v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": podID})
}

func (s *Server) handleStopPod(w http.ResponseWriter, r *http.Request) {
	s.handlePodState(w, r, "stopped", func(ps providers.PodStopper, id string) error {
		return ps.StopPod(r.Context(), id)
	})
}

func (s *Server) handleResumePod(w http.ResponseWriter, r *http.Request) {
	s.handlePodState(w, r, "resumed", func(ps providers.PodStopper, id string) error {
		return ps.ResumePod(r.Context(), id)
	})
}

// handlePodState runs a stop or resume against providers that support it.
func (s *Server) handlePodState(w http.ResponseWriter, r *http.Request, verb string,
	op func(ps providers.PodStopper, id string) error) {
	provider := s.registry.Active()
	if provider == nil {
		writeError(w, http.StatusBadRequest, errors.New("no active GPU provider configured"))
		return
	}
	stopper, ok := provider.(providers.PodStopper)
	if !ok {
		writeError(w, http.StatusBadRequest,
			errors.Errorf("provider %s cannot stop or resume pods", provider.Name()))
		return
	}
	podID := r.PathValue("id")
	if err := op(stopper, podID); err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{verb: podID})
}

// handleWorkerLogs tails the remote worker's log file. Only available when
// executions run through the remote bridge.
func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusBadRequest, errors.New("no remote worker connected"))
		return
	}
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	logs, err := s.bridge.WorkerLogs(r.Context(), lines)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// watchPod starts a monitor that pushes pod status changes to every
// websocket client.
func (s *Server) watchPod(provider providers.Provider, podID string) {
	monitor := providers.NewPodMonitor(provider, podID, func(pod *providers.Pod, terminal bool) {
		s.Broadcast(protocol.ServerMessage{
			Type: protocol.ServerPodStatusUpdate,
			Data: protocol.PodStatusData{
				Provider: provider.Name(),
				PodID:    pod.ID,
				Status:   pod.Status,
				Terminal: terminal,
			},
		})
		if terminal {
			s.monitors.stop(pod.ID)
		}
	})
	s.monitors.add(podID, monitor)
	monitor.Start()
}

// ResumePodWatch restarts monitoring for a pod remembered from an earlier
// run.
func (s *Server) ResumePodWatch() {
	ref := s.registry.LastPod()
	if ref == nil {
		return
	}
	provider, err := s.registry.Get(ref.Provider)
	if err != nil {
		klog.Warningf("server: cannot resume pod watch: %v", err)
		return
	}
	klog.V(1).Infof("server: resuming watch of %s/%s", ref.Provider, ref.PodID)
	s.watchPod(provider, ref.PodID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(1).Infof("server: writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeProviderError maps classified provider failures back onto HTTP
// statuses.
func writeProviderError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, providers.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, providers.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, providers.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, providers.ErrProviderDown):
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}
