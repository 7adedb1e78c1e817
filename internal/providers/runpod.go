package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

const runpodDefaultURL = "https://api.runpod.io/graphql"

// RunPodKeyEnv carries the RunPod API key, overriding the config file.
const RunPodKeyEnv = "RUNPOD_API_KEY"

// RunPod talks to the RunPod GraphQL API.
type RunPod struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewRunPod creates a RunPod client.
func NewRunPod(apiKey string) *RunPod {
	return &RunPod{apiKey: apiKey, baseURL: runpodDefaultURL, http: newHTTPClient()}
}

// WithBaseURL overrides the API endpoint, for tests. It returns the client,
// so calls can be chained.
func (p *RunPod) WithBaseURL(url string) *RunPod {
	p.baseURL = url
	return p
}

func (p *RunPod) Name() string          { return "runpod" }
func (p *RunPod) DisplayName() string   { return "RunPod" }
func (p *RunPod) APIKeyEnvName() string { return RunPodKeyEnv }
func (p *RunPod) DashboardURL() string  { return "https://www.runpod.io/console/pods" }
func (p *RunPod) SupportsSSH() bool     { return true }
func (p *RunPod) IsConfigured() bool    { return p.apiKey != "" }

type graphqlRequest struct {
	Query string `json:"query"`
}

type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *RunPod) query(ctx context.Context, query string) (map[string]any, error) {
	var resp graphqlResponse
	url := p.baseURL + "?api_key=" + p.apiKey
	if err := doJSON(ctx, p.http, p.Name(), http.MethodPost, url, nil,
		graphqlRequest{Query: query}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, errors.Errorf("runpod API error: %s", resp.Errors[0].Message)
	}
	return resp.Data, nil
}

func (p *RunPod) ListOffers(ctx context.Context) ([]GPUOffer, error) {
	data, err := p.query(ctx, `query GpuTypes {
		gpuTypes {
			id
			displayName
			memoryInGb
			securePrice
			secureCloud
		}
	}`)
	if err != nil {
		return nil, err
	}
	raw, _ := data["gpuTypes"].([]any)
	offers := make([]GPUOffer, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		offers = append(offers, GPUOffer{
			ID:           str(m["id"]),
			GPUName:      str(m["displayName"]),
			GPUCount:     1,
			MemoryGB:     int(num(m["memoryInGb"])),
			PricePerHour: num(m["securePrice"]),
			Available:    boolean(m["secureCloud"]),
		})
	}
	return offers, nil
}

func (p *RunPod) CreatePod(ctx context.Context, req CreatePodRequest) (*Pod, error) {
	image := req.Image
	if image == "" {
		image = "runpod/base:0.6.2-cuda12.2.0"
	}
	diskGB := req.DiskGB
	if diskGB == 0 {
		diskGB = 40
	}
	data, err := p.query(ctx, fmt.Sprintf(`mutation {
		podFindAndDeployOnDemand(input: {
			cloudType: SECURE
			gpuTypeId: %q
			name: %q
			imageName: %q
			gpuCount: 1
			volumeInGb: %d
			containerDiskInGb: %d
			ports: "22/tcp"
		}) {
			id
			desiredStatus
			machine { gpuDisplayName }
			costPerHr
		}
	}`, req.OfferID, req.Name, image, diskGB, diskGB))
	if err != nil {
		return nil, err
	}
	m, ok := data["podFindAndDeployOnDemand"].(map[string]any)
	if !ok {
		return nil, errors.New("runpod: malformed deploy response")
	}
	return p.podFromMap(m, req.Name), nil
}

func (p *RunPod) ListPods(ctx context.Context, filter PodFilter) ([]Pod, error) {
	data, err := p.query(ctx, `query Pods {
		myself {
			pods {
				id
				name
				desiredStatus
				costPerHr
				gpuCount
				machine { gpuDisplayName }
				runtime {
					ports { ip isIpPublic privatePort publicPort type }
				}
			}
		}
	}`)
	if err != nil {
		return nil, err
	}
	myself, _ := data["myself"].(map[string]any)
	raw, _ := myself["pods"].([]any)
	pods := make([]Pod, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pods = append(pods, *p.podFromMap(m, str(m["name"])))
	}
	return pagePods(pods, filter), nil
}

func (p *RunPod) GetPod(ctx context.Context, id string) (*Pod, error) {
	data, err := p.query(ctx, fmt.Sprintf(`query {
		pod(input: {podId: %q}) {
			id
			name
			desiredStatus
			costPerHr
			machine { gpuDisplayName }
			runtime {
				ports { ip isIpPublic privatePort publicPort type }
			}
		}
	}`, id))
	if err != nil {
		return nil, err
	}
	m, ok := data["pod"].(map[string]any)
	if !ok || m == nil {
		return nil, errors.WithMessagef(ErrNotFound, "runpod pod %q", id)
	}
	return p.podFromMap(m, str(m["name"])), nil
}

func (p *RunPod) TerminatePod(ctx context.Context, id string) error {
	_, err := p.query(ctx, fmt.Sprintf(`mutation {
		podTerminate(input: {podId: %q})
	}`, id))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// StopPod halts the pod without destroying its volume; ResumePod brings it
// back.
func (p *RunPod) StopPod(ctx context.Context, id string) error {
	_, err := p.query(ctx, fmt.Sprintf(`mutation {
		podStop(input: {podId: %q}) { id desiredStatus }
	}`, id))
	return err
}

func (p *RunPod) ResumePod(ctx context.Context, id string) error {
	_, err := p.query(ctx, fmt.Sprintf(`mutation {
		podResume(input: {podId: %q, gpuCount: 1}) { id desiredStatus }
	}`, id))
	return err
}

func (p *RunPod) podFromMap(m map[string]any, name string) *Pod {
	pod := &Pod{
		ID:          str(m["id"]),
		Name:        name,
		Status:      normalizeStatus(str(m["desiredStatus"])),
		GPUCount:    int(num(m["gpuCount"])),
		CostPerHour: num(m["costPerHr"]),
	}
	if machine, ok := m["machine"].(map[string]any); ok {
		pod.GPUName = str(machine["gpuDisplayName"])
	}
	// SSH endpoint comes from the runtime port mapping of port 22.
	runtime, ok := m["runtime"].(map[string]any)
	if !ok {
		return pod
	}
	ports, _ := runtime["ports"].([]any)
	for _, item := range ports {
		port, ok := item.(map[string]any)
		if !ok || !boolean(port["isIpPublic"]) || int(num(port["privatePort"])) != 22 {
			continue
		}
		pod.SSH = &SSHInfo{
			Host: str(port["ip"]),
			Port: int(num(port["publicPort"])),
			User: "root",
		}
		pod.IP = pod.SSH.Host
		break
	}
	return pod
}

var (
	_ Provider   = (*RunPod)(nil)
	_ PodStopper = (*RunPod)(nil)
)

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
