package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const vastDefaultURL = "https://console.vast.ai/api/v0"

// VastKeyEnv carries the Vast.ai API key, overriding the config file.
const VastKeyEnv = "VASTAI_API_KEY"

// VastAI talks to the Vast.ai REST API.
type VastAI struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewVastAI creates a Vast.ai client.
func NewVastAI(apiKey string) *VastAI {
	return &VastAI{apiKey: apiKey, baseURL: vastDefaultURL, http: newHTTPClient()}
}

// WithBaseURL overrides the API endpoint, for tests. It returns the client,
// so calls can be chained.
func (p *VastAI) WithBaseURL(url string) *VastAI {
	p.baseURL = url
	return p
}

func (p *VastAI) Name() string          { return "vastai" }
func (p *VastAI) DisplayName() string   { return "Vast.ai" }
func (p *VastAI) APIKeyEnvName() string { return VastKeyEnv }
func (p *VastAI) DashboardURL() string  { return "https://cloud.vast.ai/instances/" }
func (p *VastAI) SupportsSSH() bool     { return true }
func (p *VastAI) IsConfigured() bool    { return p.apiKey != "" }

func (p *VastAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

type vastOffer struct {
	ID          int     `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      float64 `json:"gpu_ram"`
	DPHTotal    float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
	Rentable    bool    `json:"rentable"`
}

type vastInstance struct {
	ID           int     `json:"id"`
	Label        string  `json:"label"`
	ActualStatus string  `json:"actual_status"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	DPHTotal     float64 `json:"dph_total"`
	SSHHost      string  `json:"ssh_host"`
	SSHPort      int     `json:"ssh_port"`
	PublicIP     string  `json:"public_ipaddr"`
	StartDate    float64 `json:"start_date"`
}

func (p *VastAI) ListOffers(ctx context.Context) ([]GPUOffer, error) {
	// Ask only for rentable on-demand offers, sorted by price.
	query := url.QueryEscape(`{"rentable": {"eq": true}, "type": "on-demand", "order": [["dph_total", "asc"]]}`)
	var resp struct {
		Offers []vastOffer `json:"offers"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodGet,
		p.baseURL+"/bundles/?q="+query, p.headers(), nil, &resp)
	if err != nil {
		return nil, err
	}
	offers := make([]GPUOffer, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		offers = append(offers, GPUOffer{
			ID:           fmt.Sprintf("%d", o.ID),
			GPUName:      o.GPUName,
			GPUCount:     o.NumGPUs,
			MemoryGB:     int(o.GPURAM / 1024),
			Region:       o.Geolocation,
			PricePerHour: o.DPHTotal,
			Available:    o.Rentable,
		})
	}
	return offers, nil
}

func (p *VastAI) CreatePod(ctx context.Context, req CreatePodRequest) (*Pod, error) {
	image := req.Image
	if image == "" {
		image = "pytorch/pytorch:latest"
	}
	diskGB := req.DiskGB
	if diskGB == 0 {
		diskGB = 40
	}
	var resp struct {
		Success     bool `json:"success"`
		NewContract int  `json:"new_contract"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodPut,
		p.baseURL+"/asks/"+req.OfferID+"/", p.headers(), map[string]any{
			"client_id": "me",
			"image":     image,
			"disk":      diskGB,
			"label":     req.Name,
			"runtype":   "ssh",
		}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.Errorf("vastai: offer %s could not be rented", req.OfferID)
	}
	return &Pod{
		ID:     fmt.Sprintf("%d", resp.NewContract),
		Name:   req.Name,
		Status: StatusPending,
	}, nil
}

func (p *VastAI) ListPods(ctx context.Context, filter PodFilter) ([]Pod, error) {
	var resp struct {
		Instances []vastInstance `json:"instances"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodGet,
		p.baseURL+"/instances/?owner=me", p.headers(), nil, &resp)
	if err != nil {
		return nil, err
	}
	pods := make([]Pod, 0, len(resp.Instances))
	for _, inst := range resp.Instances {
		pods = append(pods, *podFromVast(inst))
	}
	return pagePods(pods, filter), nil
}

func (p *VastAI) GetPod(ctx context.Context, id string) (*Pod, error) {
	var resp struct {
		Instances vastInstance `json:"instances"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodGet,
		p.baseURL+"/instances/"+id+"/?owner=me", p.headers(), nil, &resp)
	if err != nil {
		return nil, err
	}
	return podFromVast(resp.Instances), nil
}

func podFromVast(inst vastInstance) *Pod {
	pod := &Pod{
		ID:          fmt.Sprintf("%d", inst.ID),
		Name:        inst.Label,
		Status:      normalizeStatus(inst.ActualStatus),
		GPUName:     inst.GPUName,
		GPUCount:    inst.NumGPUs,
		CostPerHour: inst.DPHTotal,
		IP:          inst.PublicIP,
	}
	if inst.StartDate > 0 {
		pod.CreatedAt = time.Unix(int64(inst.StartDate), 0).UTC().Format(time.RFC3339)
	}
	if inst.SSHHost != "" {
		pod.SSH = &SSHInfo{Host: inst.SSHHost, Port: inst.SSHPort, User: "root"}
	}
	return pod
}

func (p *VastAI) TerminatePod(ctx context.Context, id string) error {
	err := doJSON(ctx, p.http, p.Name(), http.MethodDelete,
		p.baseURL+"/instances/"+id+"/", p.headers(), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// StopPod pauses the instance billing-cheap; ResumePod starts it again.
func (p *VastAI) StopPod(ctx context.Context, id string) error {
	return p.setRunningState(ctx, id, "stopped")
}

func (p *VastAI) ResumePod(ctx context.Context, id string) error {
	return p.setRunningState(ctx, id, "running")
}

func (p *VastAI) setRunningState(ctx context.Context, id, state string) error {
	return doJSON(ctx, p.http, p.Name(), http.MethodPut,
		p.baseURL+"/instances/"+id+"/", p.headers(),
		map[string]any{"state": state}, nil)
}

var (
	_ Provider   = (*VastAI)(nil)
	_ PodStopper = (*VastAI)(nil)
)
