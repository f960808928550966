package gcp

import (
	"context"

	"google.golang.org/api/bigquery/v2"
	"google.golang.org/api/cloudbilling/v1"
)

// BigQueryAPI is the slice of the BigQuery jobs surface the collector uses.
type BigQueryAPI interface {
	Query(ctx context.Context, projectID string, req *bigquery.QueryRequest) (*bigquery.QueryResponse, error)
}

// BillingAPI checks whether billing is enabled on a project.
type BillingAPI interface {
	GetProjectBillingInfo(ctx context.Context, name string) (*cloudbilling.ProjectBillingInfo, error)
}

// bigQueryClient adapts *bigquery.Service to BigQueryAPI.
type bigQueryClient struct {
	service *bigquery.Service
}

// NewBigQueryClient wraps a bigquery service handle.
func NewBigQueryClient(service *bigquery.Service) BigQueryAPI {
	return &bigQueryClient{service: service}
}

func (c *bigQueryClient) Query(ctx context.Context, projectID string, req *bigquery.QueryRequest) (*bigquery.QueryResponse, error) {
	return c.service.Jobs.Query(projectID, req).Context(ctx).Do()
}

// billingClient adapts *cloudbilling.APIService to BillingAPI.
type billingClient struct {
	service *cloudbilling.APIService
}

// NewBillingClient wraps a cloudbilling service handle.
func NewBillingClient(service *cloudbilling.APIService) BillingAPI {
	return &billingClient{service: service}
}

func (c *billingClient) GetProjectBillingInfo(ctx context.Context, name string) (*cloudbilling.ProjectBillingInfo, error) {
	return c.service.Projects.GetBillingInfo(name).Context(ctx).Do()
}
