package api

import (
	"github.com/kiranshivaraju/controlplane/internal/api/handler"
	mw "github.com/kiranshivaraju/controlplane/internal/api/middleware"
)

// Services are the domain components behind the HTTP surface.
type Services struct {
	Instances handler.InstanceService
	Metrics   handler.MetricsService
	Audit     handler.AuditService
	Quota     handler.QuotaService
	Health    map[string]handler.Pinger
	RateLimit *mw.RateLimit
}

// Wire builds the router dependencies for svc.
func Wire(svc Services) Dependencies {
	return Dependencies{
		RateLimit: svc.RateLimit,

		HealthHandler:      handler.NewHealthHandler(svc.Health),
		ValidateCredential: handler.NewValidateCredentialHandler(svc.Instances),
		ListDefinitions:    handler.NewListDefinitionsHandler(svc.Instances),

		CreateInstance:   handler.NewCreateInstanceHandler(svc.Instances),
		ListInstances:    handler.NewListInstancesHandler(svc.Instances),
		GetInstance:      handler.NewGetInstanceHandler(svc.Instances),
		UpdateInstance:   handler.NewUpdateInstanceHandler(svc.Instances),
		SuspendInstance:  handler.NewSuspendInstanceHandler(svc.Instances),
		ResumeInstance:   handler.NewResumeInstanceHandler(svc.Instances),
		DeleteInstance:   handler.NewDeleteInstanceHandler(svc.Instances),
		IssueCredential:  handler.NewIssueCredentialHandler(svc.Instances),
		RevokeCredential: handler.NewRevokeCredentialHandler(svc.Instances),
		RecordMetric:     handler.NewRecordMetricHandler(svc.Metrics),

		Dashboard:        handler.NewDashboardHandler(svc.Metrics),
		AuditLog:         handler.NewAuditLogHandler(svc.Audit),
		Quota:            handler.NewQuotaHandler(svc.Quota),
		Reserve:          handler.NewReserveHandler(svc.Quota),
		Release:          handler.NewReleaseHandler(svc.Quota),
		DeactivateTenant: handler.NewDeactivateTenantHandler(svc.Instances),
	}
}
