package services

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Checkpoint is one carrier scan event.
type Checkpoint struct {
	Status      string    `json:"status"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
}

type ShipmentStatus struct {
	TrackingNumber string       `json:"tracking_number"`
	Carrier        string       `json:"carrier"`
	Status         string       `json:"status"`
	Checkpoints    []Checkpoint `json:"checkpoints"`
}

var deliveredMarkers = []string{"delivered", "delivery", "pickup"}

// Delivered reports whether the carrier status means the parcel arrived.
func (s *ShipmentStatus) Delivered() bool {
	status := strings.ToLower(s.Status)
	for _, marker := range deliveredMarkers {
		if strings.Contains(status, marker) {
			return true
		}
	}
	return false
}

// Latest returns the most recent checkpoint by carrier time, or nil.
func (s *ShipmentStatus) Latest() *Checkpoint {
	if len(s.Checkpoints) == 0 {
		return nil
	}
	latest := s.Checkpoints[0]
	for _, cp := range s.Checkpoints[1:] {
		if cp.Time.After(latest.Time) {
			latest = cp
		}
	}
	return &latest
}

func sortCheckpoints(cps []Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].Time.Before(cps[j].Time) })
}

// ShipmentTracker follows parcels with a carrier aggregation service.
type ShipmentTracker interface {
	RegisterTracking(ctx context.Context, trackingNumber, carrier string) error
	GetStatus(ctx context.Context, trackingNumber, carrier string) (*ShipmentStatus, error)
	IsDelivered(ctx context.Context, trackingNumber, carrier string) (bool, error)
	DetectCarrier(ctx context.Context, trackingNumber string) (string, error)
}

var carrierCodes = map[string]string{
	"ups":            "ups",
	"usps":           "usps",
	"fedex":          "fedex",
	"dhl":            "dhl",
	"amazon":         "amazon",
	"ontrac":         "ontrac",
	"lasership":      "lasership",
	"canada-post":    "canada-post",
	"canada post":    "canada-post",
	"royal-mail":     "royal-mail",
	"royal mail":     "royal-mail",
	"australia-post": "australia-post",
	"australia post": "australia-post",
}

// NormalizeCarrier maps a user-entered carrier name to its tracking code.
// Unknown names pass through trimmed and lower-cased.
func NormalizeCarrier(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if code, ok := carrierCodes[normalized]; ok {
		return code
	}
	return normalized
}
