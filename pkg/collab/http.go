package collab

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// GatewayConfig configures the REST collaborator gateway.
type GatewayConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count" validate:"gte=0"`
}

// HTTPGateway implements the collaborator ports against a REST gateway
// fronting the asset, job plan, permit and contract services.
type HTTPGateway struct {
	client *resty.Client
	logger *telemetry.Logger
}

var _ engine.Collaborators = (*HTTPGateway)(nil)

type counterDeltaResponse struct {
	Delta float64 `json:"delta"`
}

type permitResponse struct {
	Approved bool `json:"approved"`
}

type penaltyRateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(cfg GatewayConfig, logger *telemetry.Logger) *HTTPGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json").
		SetError(&gatewayError{})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &HTTPGateway{
		client: client,
		logger: logger.NewComponentLogger("collab.http"),
	}
}

// GetAsset returns the asset with the given ID.
func (g *HTTPGateway) GetAsset(ctx context.Context, assetID string) (engine.Asset, error) {
	var asset engine.Asset
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", assetID).
		SetResult(&asset).
		Get("/assets/{id}")
	if err := g.check(resp, err, "asset", assetID); err != nil {
		return engine.Asset{}, err
	}
	return asset, nil
}

// ListAssets returns the assets of a class within a tenant.
func (g *HTTPGateway) ListAssets(ctx context.Context, tenantID, classID string) ([]engine.Asset, error) {
	var assets []engine.Asset
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("tenant_id", tenantID).
		SetQueryParam("class_id", classID).
		SetResult(&assets).
		Get("/assets")
	if err := g.check(resp, err, "asset class", classID); err != nil {
		return nil, err
	}
	return assets, nil
}

// GetCounterDelta returns how far a meter advanced since the given instant.
func (g *HTTPGateway) GetCounterDelta(ctx context.Context, assetID, meterKind string, since time.Time) (float64, error) {
	var out counterDeltaResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": assetID, "kind": meterKind}).
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		SetResult(&out).
		Get("/assets/{id}/meters/{kind}/delta")
	if err := g.check(resp, err, "meter", assetID+"/"+meterKind); err != nil {
		return 0, err
	}
	return out.Delta, nil
}

// GetChecklist returns the checklist of a job plan.
func (g *HTTPGateway) GetChecklist(ctx context.Context, jobPlanID string) ([]engine.ChecklistStep, error) {
	var steps []engine.ChecklistStep
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", jobPlanID).
		SetResult(&steps).
		Get("/job-plans/{id}/checklist")
	if err := g.check(resp, err, "job plan", jobPlanID); err != nil {
		return nil, err
	}
	return steps, nil
}

// GetKit returns the kit of a job plan.
func (g *HTTPGateway) GetKit(ctx context.Context, jobPlanID string) ([]engine.KitLine, error) {
	var kit []engine.KitLine
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", jobPlanID).
		SetResult(&kit).
		Get("/job-plans/{id}/kit")
	if err := g.check(resp, err, "job plan", jobPlanID); err != nil {
		return nil, err
	}
	return kit, nil
}

// IsPermitApproved reports whether the permit for a work order is approved.
// A work order without a permit record is not approved.
func (g *HTTPGateway) IsPermitApproved(ctx context.Context, workOrderID string) (bool, error) {
	var out permitResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", workOrderID).
		SetResult(&out).
		Get("/permits/work-orders/{id}")
	if err := g.check(resp, err, "permit", workOrderID); err != nil {
		if engine.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return out.Approved, nil
}

// GetPenaltyRate returns the per-minute penalty rate of a contract.
func (g *HTTPGateway) GetPenaltyRate(ctx context.Context, contractID string) (decimal.Decimal, error) {
	var out penaltyRateResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", contractID).
		SetResult(&out).
		Get("/contracts/{id}/penalty-rate")
	if err := g.check(resp, err, "contract", contractID); err != nil {
		return decimal.Zero, err
	}
	return out.Rate, nil
}

// check maps transport failures and error statuses to engine errors.
func (g *HTTPGateway) check(resp *resty.Response, err error, kind, id string) error {
	if err != nil {
		g.logger.WithError(err).WithField("resource", id).Warnf("Gateway call for %s failed", kind)
		return &engine.EngineError{
			Class:    engine.ErrorClassPermanent,
			Code:     engine.ErrCodeCollaboratorFailed,
			Message:  fmt.Sprintf("%s lookup failed", kind),
			Resource: id,
			Err:      err,
		}
	}

	if resp.StatusCode() == http.StatusNotFound {
		return engine.NewNotFoundError(kind, id)
	}
	if resp.IsError() {
		msg := resp.Status()
		if ge, ok := resp.Error().(*gatewayError); ok && ge != nil {
			if ge.Message != "" {
				msg = ge.Message
			} else if ge.Error != "" {
				msg = ge.Error
			}
		}
		g.logger.WithFields(map[string]interface{}{
			"resource":    id,
			"status_code": resp.StatusCode(),
		}).Warnf("Gateway returned error for %s: %s", kind, msg)
		return &engine.EngineError{
			Class:    engine.ErrorClassPermanent,
			Code:     engine.ErrCodeCollaboratorFailed,
			Message:  fmt.Sprintf("%s lookup failed: %s", kind, msg),
			Resource: id,
			Details:  map[string]interface{}{"status_code": resp.StatusCode()},
		}
	}
	return nil
}
