// Package cloud identifies the cloud instance the agent runs on, so fleet
// reports can tie devices to an instance type and region.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// Endpoints are the metadata service base URLs queried per provider.
type Endpoints struct {
	AWS   string
	GCP   string
	Azure string
}

// DefaultEndpoints returns the link-local metadata service addresses.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AWS:   "http://169.254.169.254",
		GCP:   "http://metadata.google.internal/computeMetadata/v1",
		Azure: "http://169.254.169.254",
	}
}

// maxMetadataBytes caps a metadata response body.
const maxMetadataBytes = 64 << 10

type lookup struct {
	provider string
	base     string
	fn       func(ctx context.Context, client *http.Client, base string) (model.CloudInfo, error)
}

// Detect queries every provider concurrently and returns the first match in
// AWS, GCP, Azure order. ok is false on bare metal or when every lookup fails
// within timeout.
func Detect(ctx context.Context, endpoints Endpoints, timeout time.Duration) (info model.CloudInfo, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := &http.Client{Timeout: timeout}

	lookups := []lookup{
		{"aws", endpoints.AWS, detectAWS},
		{"gcp", endpoints.GCP, detectGCP},
		{"azure", endpoints.Azure, detectAzure},
	}

	results := make([]*model.CloudInfo, len(lookups))
	var g errgroup.Group
	for i, p := range lookups {
		if p.base == "" {
			continue
		}
		g.Go(func() error {
			md, err := p.fn(ctx, client, p.base)
			if err != nil {
				slog.Debug("cloud: metadata lookup failed", "provider", p.provider, "error", err)
				return nil
			}
			results[i] = &md
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			slog.Debug("cloud: metadata detected", "provider", r.Provider, "region", r.Region, "instance_type", r.InstanceType)
			return *r, true
		}
	}
	return model.CloudInfo{}, false
}

func fetch(ctx context.Context, client *http.Client, method, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s returned %d", method, url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
}

// lastSegment strips a GCP resource path such as projects/1/zones/us-central1-a.
func lastSegment(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func detectAWS(ctx context.Context, client *http.Client, base string) (model.CloudInfo, error) {
	token, err := fetch(ctx, client, http.MethodPut, base+"/latest/api/token",
		http.Header{"X-Aws-Ec2-Metadata-Token-Ttl-Seconds": {"60"}})
	if err != nil {
		return model.CloudInfo{}, fmt.Errorf("IMDS token: %w", err)
	}

	body, err := fetch(ctx, client, http.MethodGet, base+"/latest/dynamic/instance-identity/document",
		http.Header{"X-Aws-Ec2-Metadata-Token": {string(token)}})
	if err != nil {
		return model.CloudInfo{}, fmt.Errorf("IMDS identity document: %w", err)
	}

	var doc struct {
		AccountID        string `json:"accountId"`
		Region           string `json:"region"`
		AvailabilityZone string `json:"availabilityZone"`
		InstanceType     string `json:"instanceType"`
		InstanceID       string `json:"instanceId"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.CloudInfo{}, err
	}

	return model.CloudInfo{
		Provider:     "aws",
		AccountID:    doc.AccountID,
		Region:       doc.Region,
		Zone:         doc.AvailabilityZone,
		InstanceType: doc.InstanceType,
		InstanceID:   doc.InstanceID,
	}, nil
}

func detectGCP(ctx context.Context, client *http.Client, base string) (model.CloudInfo, error) {
	header := http.Header{"Metadata-Flavor": {"Google"}}
	get := func(path string) (string, error) {
		body, err := fetch(ctx, client, http.MethodGet, base+path, header)
		return strings.TrimSpace(string(body)), err
	}

	projectID, err := get("/project/project-id")
	if err != nil {
		return model.CloudInfo{}, err
	}
	zonePath, err := get("/instance/zone")
	if err != nil {
		return model.CloudInfo{}, err
	}
	machineType, err := get("/instance/machine-type")
	if err != nil {
		return model.CloudInfo{}, err
	}
	instanceID, err := get("/instance/id")
	if err != nil {
		return model.CloudInfo{}, err
	}

	zone := lastSegment(zonePath)
	region := zone
	if idx := strings.LastIndex(zone, "-"); idx > 0 {
		region = zone[:idx]
	}

	return model.CloudInfo{
		Provider:     "gcp",
		AccountID:    projectID,
		Region:       region,
		Zone:         zone,
		InstanceType: lastSegment(machineType),
		InstanceID:   instanceID,
	}, nil
}

func detectAzure(ctx context.Context, client *http.Client, base string) (model.CloudInfo, error) {
	body, err := fetch(ctx, client, http.MethodGet, base+"/metadata/instance?api-version=2021-02-01",
		http.Header{"Metadata": {"true"}})
	if err != nil {
		return model.CloudInfo{}, err
	}

	var doc struct {
		Compute struct {
			SubscriptionID string `json:"subscriptionId"`
			Location       string `json:"location"`
			Zone           string `json:"zone"`
			VMSize         string `json:"vmSize"`
			VMID           string `json:"vmId"`
		} `json:"compute"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.CloudInfo{}, err
	}

	return model.CloudInfo{
		Provider:     "azure",
		AccountID:    doc.Compute.SubscriptionID,
		Region:       doc.Compute.Location,
		Zone:         doc.Compute.Zone,
		InstanceType: doc.Compute.VMSize,
		InstanceID:   doc.Compute.VMID,
	}, nil
}
