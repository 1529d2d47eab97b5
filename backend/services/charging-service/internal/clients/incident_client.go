package clients

import (
	"context"

	"evpay/backend/services/charging-service/internal/models"
)

// IncidentClient files incidents with the incident-report service.
type IncidentClient struct {
	base *BaseClient
}

// NewIncidentClient returns client.
func NewIncidentClient(baseURL string, httpClient HTTPDoer, maxTries uint) *IncidentClient {
	return &IncidentClient{base: NewBaseClient(baseURL, httpClient, maxTries)}
}

// Report files an emergency-stop incident.
func (c *IncidentClient) Report(ctx context.Context, incident models.Incident) error {
	return c.base.PostJSON(ctx, "/incidents", incident)
}
