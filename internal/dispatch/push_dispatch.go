package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// PushDispatcher delivers offer notifications over the driver's live
// websocket when one exists, falling back to an HTTP push provider (FCM or
// compatible) otherwise.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback *FCMDispatcher
}

func NewPushDispatcher(ws *WSRegistry, fallback *FCMDispatcher) *PushDispatcher {
	return &PushDispatcher{WS: ws, Fallback: fallback}
}

func (p *PushDispatcher) OfferCreated(ctx context.Context, offer *models.DriverOffer) error {
	if p.WS != nil {
		err := p.WS.OfferCreated(ctx, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	if p.Fallback != nil {
		return p.Fallback.Send(ctx, offer.DriverID, map[string]any{
			"type":  "offer",
			"offer": offer,
		})
	}
	return ErrNoSession
}

func (p *PushDispatcher) OfferRevoked(ctx context.Context, driverID, requestID, reason string) error {
	if p.WS != nil {
		err := p.WS.OfferRevoked(ctx, driverID, requestID, reason)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	if p.Fallback != nil {
		return p.Fallback.Send(ctx, driverID, map[string]any{
			"type":       "offer_revoked",
			"request_id": requestID,
			"reason":     reason,
		})
	}
	return ErrNoSession
}

// FCMDispatcher posts JSON to an FCM HTTPv1-style endpoint.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Send(ctx context.Context, driverID string, data map[string]any) error {
	body := map[string]any{"message": map[string]any{
		"token": driverID,
		"data":  data,
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
