package providers

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

const lambdaDefaultURL = "https://cloud.lambdalabs.com/api/v1"

// LambdaKeyEnv carries the Lambda Cloud API key, overriding the config file.
const LambdaKeyEnv = "LAMBDA_LABS_API_KEY"

// LambdaLabs talks to the Lambda Cloud REST API.
type LambdaLabs struct {
	apiKey  string
	baseURL string
	sshKeys []string
	http    *http.Client
}

// NewLambdaLabs creates a Lambda Cloud client. sshKeys are the account SSH
// key names installed on launched instances.
func NewLambdaLabs(apiKey string, sshKeys []string) *LambdaLabs {
	return &LambdaLabs{
		apiKey:  apiKey,
		baseURL: lambdaDefaultURL,
		sshKeys: sshKeys,
		http:    newHTTPClient(),
	}
}

// WithBaseURL overrides the API endpoint, for tests. It returns the client,
// so calls can be chained.
func (p *LambdaLabs) WithBaseURL(url string) *LambdaLabs {
	p.baseURL = url
	return p
}

func (p *LambdaLabs) Name() string          { return "lambdalabs" }
func (p *LambdaLabs) DisplayName() string   { return "Lambda Labs" }
func (p *LambdaLabs) APIKeyEnvName() string { return LambdaKeyEnv }
func (p *LambdaLabs) DashboardURL() string  { return "https://cloud.lambdalabs.com/instances" }
func (p *LambdaLabs) SupportsSSH() bool     { return true }
func (p *LambdaLabs) IsConfigured() bool    { return p.apiKey != "" }

func (p *LambdaLabs) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

type lambdaInstanceType struct {
	Name              string `json:"name"`
	PriceCentsPerHour int    `json:"price_cents_per_hour"`
	Specs             struct {
		MemoryGiB int `json:"memory_gib"`
		GPUs      int `json:"gpus"`
	} `json:"specs"`
	GPUDescription string `json:"gpu_description"`
}

type lambdaInstance struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	IP     string `json:"ip"`
	Region struct {
		Name string `json:"name"`
	} `json:"region"`
	InstanceType lambdaInstanceType `json:"instance_type"`
}

func (p *LambdaLabs) ListOffers(ctx context.Context) ([]GPUOffer, error) {
	var resp struct {
		Data map[string]struct {
			InstanceType                 lambdaInstanceType `json:"instance_type"`
			RegionsWithCapacityAvailable []struct {
				Name string `json:"name"`
			} `json:"regions_with_capacity_available"`
		} `json:"data"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodGet, p.baseURL+"/instance-types",
		p.headers(), nil, &resp)
	if err != nil {
		return nil, err
	}
	offers := make([]GPUOffer, 0, len(resp.Data))
	for name, entry := range resp.Data {
		offer := GPUOffer{
			ID:           name,
			GPUName:      entry.InstanceType.GPUDescription,
			GPUCount:     entry.InstanceType.Specs.GPUs,
			MemoryGB:     entry.InstanceType.Specs.MemoryGiB,
			PricePerHour: float64(entry.InstanceType.PriceCentsPerHour) / 100,
			Available:    len(entry.RegionsWithCapacityAvailable) > 0,
		}
		if offer.Available {
			offer.Region = entry.RegionsWithCapacityAvailable[0].Name
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

func (p *LambdaLabs) CreatePod(ctx context.Context, req CreatePodRequest) (*Pod, error) {
	// The offer carries the region it has capacity in.
	offers, err := p.ListOffers(ctx)
	if err != nil {
		return nil, err
	}
	region := ""
	for _, offer := range offers {
		if offer.ID == req.OfferID {
			region = offer.Region
			break
		}
	}
	if region == "" {
		return nil, errors.Errorf("lambdalabs: no capacity for instance type %q", req.OfferID)
	}
	var resp struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	err = doJSON(ctx, p.http, p.Name(), http.MethodPost,
		p.baseURL+"/instance-operations/launch", p.headers(), map[string]any{
			"region_name":        region,
			"instance_type_name": req.OfferID,
			"ssh_key_names":      p.sshKeys,
			"name":               req.Name,
		}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data.InstanceIDs) == 0 {
		return nil, errors.New("lambdalabs: launch returned no instance id")
	}
	return p.GetPod(ctx, resp.Data.InstanceIDs[0])
}

func (p *LambdaLabs) ListPods(ctx context.Context, filter PodFilter) ([]Pod, error) {
	var resp struct {
		Data []lambdaInstance `json:"data"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodGet, p.baseURL+"/instances",
		p.headers(), nil, &resp)
	if err != nil {
		return nil, err
	}
	pods := make([]Pod, 0, len(resp.Data))
	for _, inst := range resp.Data {
		pods = append(pods, *podFromLambda(inst))
	}
	return pagePods(pods, filter), nil
}

func (p *LambdaLabs) GetPod(ctx context.Context, id string) (*Pod, error) {
	var resp struct {
		Data lambdaInstance `json:"data"`
	}
	err := doJSON(ctx, p.http, p.Name(), http.MethodGet, p.baseURL+"/instances/"+id,
		p.headers(), nil, &resp)
	if err != nil {
		return nil, err
	}
	return podFromLambda(resp.Data), nil
}

func podFromLambda(inst lambdaInstance) *Pod {
	pod := &Pod{
		ID:          inst.ID,
		Name:        inst.Name,
		Status:      normalizeStatus(inst.Status),
		GPUName:     inst.InstanceType.GPUDescription,
		GPUCount:    inst.InstanceType.Specs.GPUs,
		CostPerHour: float64(inst.InstanceType.PriceCentsPerHour) / 100,
		IP:          inst.IP,
	}
	if inst.IP != "" {
		pod.SSH = &SSHInfo{Host: inst.IP, Port: 22, User: "ubuntu"}
	}
	return pod
}

func (p *LambdaLabs) TerminatePod(ctx context.Context, id string) error {
	err := doJSON(ctx, p.http, p.Name(), http.MethodPost,
		p.baseURL+"/instance-operations/terminate", p.headers(),
		map[string]any{"instance_ids": []string{id}}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

var _ Provider = (*LambdaLabs)(nil)
