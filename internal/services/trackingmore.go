package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

type TrackingMoreConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// TrackingMoreClient implements ShipmentTracker against the TrackingMore v4 API.
type TrackingMoreClient struct {
	client  *resty.Client
	breaker *Breaker
}

type trackingMoreMeta struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type trackingMoreCheckpoint struct {
	CheckpointStatus string `json:"checkpoint_status"`
	CheckpointDate   string `json:"checkpoint_date"`
	Location         string `json:"location"`
	TrackingDetail   string `json:"tracking_detail"`
}

type trackingMoreTracking struct {
	Meta trackingMoreMeta `json:"meta"`
	Data struct {
		TrackingNumber string `json:"tracking_number"`
		CarrierCode    string `json:"carrier_code"`
		Status         string `json:"status"`
		OriginInfo     struct {
			TrackInfo []trackingMoreCheckpoint `json:"trackinfo"`
		} `json:"origin_info"`
		DestinationInfo struct {
			TrackInfo []trackingMoreCheckpoint `json:"trackinfo"`
		} `json:"destination_info"`
	} `json:"data"`
}

type trackingMoreDetect struct {
	Meta trackingMoreMeta `json:"meta"`
	Data []struct {
		CarrierCode string `json:"carrier_code"`
	} `json:"data"`
}

// "already exists" answer for a tracking that was registered before.
const trackingMoreAlreadyExists = 4101

var checkpointLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func NewTrackingMoreClient(cfg TrackingMoreConfig) *TrackingMoreClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIKey == "" {
		log.Warn("TRACKINGMORE_API_KEY is not set, tracking features will be disabled")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(1).
		SetHeader("Tracking-Api-Key", cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &TrackingMoreClient{
		client:  client,
		breaker: NewBreaker("tracking"),
	}
}

func (c *TrackingMoreClient) CircuitState() string {
	return c.breaker.State()
}

func (c *TrackingMoreClient) do(ctx context.Context, method, path string, body, out interface{}, meta func() trackingMoreMeta) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.client.R().SetContext(ctx).SetResult(out).SetError(out)
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("tracking request %s failed: %w", path, err)
		}
		if resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("tracking provider answered %d", resp.StatusCode())
		}
		if resp.IsError() {
			m := meta()
			if m.Code == trackingMoreAlreadyExists {
				return nil, nil
			}
			reason := m.Message
			if reason == "" {
				reason = http.StatusText(resp.StatusCode())
			}
			return nil, &GatewayError{Reason: reason, Code: fmt.Sprint(m.Code), StatusCode: resp.StatusCode()}
		}
		return nil, nil
	})
	return err
}

func (c *TrackingMoreClient) RegisterTracking(ctx context.Context, trackingNumber, carrier string) error {
	var out trackingMoreTracking
	return c.do(ctx, http.MethodPost, "/trackings", map[string]string{
		"tracking_number": trackingNumber,
		"carrier_code":    NormalizeCarrier(carrier),
	}, &out, func() trackingMoreMeta { return out.Meta })
}

func (c *TrackingMoreClient) GetStatus(ctx context.Context, trackingNumber, carrier string) (*ShipmentStatus, error) {
	var out trackingMoreTracking
	path := fmt.Sprintf("/trackings/%s/%s", NormalizeCarrier(carrier), trackingNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, func() trackingMoreMeta { return out.Meta }); err != nil {
		return nil, err
	}

	status := &ShipmentStatus{
		TrackingNumber: trackingNumber,
		Carrier:        NormalizeCarrier(carrier),
		Status:         out.Data.Status,
	}
	raw := append(out.Data.OriginInfo.TrackInfo, out.Data.DestinationInfo.TrackInfo...)
	for _, cp := range raw {
		status.Checkpoints = append(status.Checkpoints, Checkpoint{
			Status:      cp.CheckpointStatus,
			Location:    cp.Location,
			Description: cp.TrackingDetail,
			Time:        parseCheckpointTime(cp.CheckpointDate),
		})
	}
	sortCheckpoints(status.Checkpoints)
	return status, nil
}

func parseCheckpointTime(s string) time.Time {
	for _, layout := range checkpointLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (c *TrackingMoreClient) IsDelivered(ctx context.Context, trackingNumber, carrier string) (bool, error) {
	status, err := c.GetStatus(ctx, trackingNumber, carrier)
	if err != nil {
		return false, err
	}
	return status.Delivered(), nil
}

// DetectCarrier returns the most likely carrier code, or "" when none matched.
func (c *TrackingMoreClient) DetectCarrier(ctx context.Context, trackingNumber string) (string, error) {
	var out trackingMoreDetect
	err := c.do(ctx, http.MethodPost, "/carriers/detect", map[string]string{
		"tracking_number": trackingNumber,
	}, &out, func() trackingMoreMeta { return out.Meta })
	if err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	return out.Data[0].CarrierCode, nil
}
