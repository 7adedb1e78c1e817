// Package providers integrates GPU cloud providers: listing offers,
// launching and terminating pods, and watching pod status. Each provider
// speaks its own API dialect; this package normalizes them to one model so
// the rest of the program never sees provider-specific statuses or errors.
package providers

import (
	"context"
	"strings"
)

// Normalized pod statuses, uppercase. Every provider's raw status maps onto
// one of these; a raw status the table does not know is passed through
// uppercased, so new provider states surface instead of disappearing.
const (
	StatusPending     = "PENDING"
	StatusStarting    = "STARTING"
	StatusActive      = "ACTIVE"
	StatusStopping    = "STOPPING"
	StatusStopped     = "STOPPED"
	StatusTerminating = "TERMINATING"
	StatusTerminated  = "TERMINATED"
	StatusError       = "ERROR"
	StatusUnknown     = "UNKNOWN"
)

// IsTerminal reports whether a pod in this status will never run again.
func IsTerminal(status string) bool {
	switch status {
	case StatusTerminated, StatusError:
		return true
	}
	return false
}

// GPUOffer is one rentable GPU configuration.
type GPUOffer struct {
	ID           string  `json:"id"`
	GPUName      string  `json:"gpu_name"`
	GPUCount     int     `json:"gpu_count"`
	MemoryGB     int     `json:"memory_gb"`
	Region       string  `json:"region"`
	PricePerHour float64 `json:"price_per_hour"`
	Available    bool    `json:"available"`
}

// SSHInfo is how to reach a running pod over SSH.
type SSHInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
}

// Pod is one provisioned GPU instance.
type Pod struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	GPUName     string   `json:"gpu_name"`
	GPUCount    int      `json:"gpu_count,omitempty"`
	CostPerHour float64  `json:"cost_per_hour"`
	IP          string   `json:"ip,omitempty"`
	SSH         *SSHInfo `json:"ssh,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// CreatePodRequest describes the pod to launch.
type CreatePodRequest struct {
	OfferID string `json:"offer_id"`
	Name    string `json:"name"`
	Image   string `json:"image,omitempty"`
	DiskGB  int    `json:"disk_gb,omitempty"`
}

// PodFilter narrows and pages a pod listing. An empty Status matches every
// pod; a zero Limit means no limit.
type PodFilter struct {
	Status string
	Limit  int
	Offset int
}

// Provider is one GPU cloud backend.
type Provider interface {
	// Name returns the provider's registry key, e.g. "runpod".
	Name() string
	// DisplayName returns the human-readable provider name.
	DisplayName() string
	// APIKeyEnvName returns the environment variable that can carry this
	// provider's API key, overriding the config file.
	APIKeyEnvName() string
	// DashboardURL returns the provider's web console.
	DashboardURL() string
	// SupportsSSH reports whether pods expose an SSH endpoint.
	SupportsSSH() bool
	// IsConfigured reports whether an API key is set.
	IsConfigured() bool
	// ListOffers returns the currently rentable GPU configurations.
	ListOffers(ctx context.Context) ([]GPUOffer, error)
	// ListPods returns the account's pods, filtered and paged.
	ListPods(ctx context.Context, filter PodFilter) ([]Pod, error)
	// CreatePod launches a pod and returns it in its initial state.
	CreatePod(ctx context.Context, req CreatePodRequest) (*Pod, error)
	// GetPod fetches the pod's current state.
	GetPod(ctx context.Context, id string) (*Pod, error)
	// TerminatePod destroys the pod. Terminating an already-gone pod is
	// not an error.
	TerminatePod(ctx context.Context, id string) error
}

// PodStopper is implemented by providers whose pods can be stopped and
// resumed without destroying them.
type PodStopper interface {
	StopPod(ctx context.Context, id string) error
	ResumePod(ctx context.Context, id string) error
}

// normalizeStatus maps a raw provider status onto the shared set. The raw
// vocabularies overlap enough for one table; an unknown status passes
// through uppercased.
func normalizeStatus(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "pending", "creating", "created", "provisioning", "scheduled":
		return StatusPending
	case "starting", "booting", "loading":
		return StatusStarting
	case "running", "active", "ready":
		return StatusActive
	case "stopping":
		return StatusStopping
	case "stopped", "paused", "inactive", "offline":
		return StatusStopped
	case "terminating", "destroying":
		return StatusTerminating
	case "terminated", "exited", "destroyed", "deleted":
		return StatusTerminated
	case "failed", "error", "unhealthy":
		return StatusError
	case "":
		return StatusUnknown
	default:
		return strings.ToUpper(trimmed)
	}
}

// pagePods applies a filter to an already-fetched listing: the provider
// APIs page inconsistently, so paging happens here, after normalization.
func pagePods(pods []Pod, filter PodFilter) []Pod {
	out := pods
	if filter.Status != "" {
		want := strings.ToUpper(filter.Status)
		out = make([]Pod, 0, len(pods))
		for _, pod := range pods {
			if pod.Status == want {
				out = append(out, pod)
			}
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []Pod{}
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}
