// README: Firebase adapters: RTDB live-position mirror and FCM "new request" push for inbox candidates.
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/types"
)

// fcmBatchLimit is the SendEach maximum.
const fcmBatchLimit = 500

// rtdbPosition mirrors one delivery entry under /deliveries/{id}/position.
type rtdbPosition struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

type RTDBMirror struct {
	client *db.Client
}

func NewRTDBMirror(client *db.Client) *RTDBMirror {
	return &RTDBMirror{client: client}
}

func (m *RTDBMirror) MirrorPosition(ctx context.Context, deliveryID types.ID, p types.Point, at time.Time) error {
	ref := m.client.NewRef("deliveries/" + string(deliveryID) + "/position")
	if err := ref.Set(ctx, rtdbPosition{Lat: p.Lat, Lng: p.Lng, Timestamp: at.UnixMilli()}); err != nil {
		return fmt.Errorf("rtdb set position: %w", err)
	}
	return nil
}

type TokenSource interface {
	PushTokens(ctx context.Context, ids []types.ID) (map[types.ID]string, error)
}

type messageSender interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// PushNotifier sends an FCM data message to every fanned-out candidate with
// a registered device token.
type PushNotifier struct {
	sender messageSender
	tokens TokenSource
	logger *zap.Logger
}

func NewPushNotifier(client *messaging.Client, tokens TokenSource, logger *zap.Logger) *PushNotifier {
	return &PushNotifier{sender: client, tokens: tokens, logger: logger}
}

func (n *PushNotifier) NotifyNewRequest(ctx context.Context, r *request.Request, entries []inbox.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]types.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.CandidateID
	}
	tokens, err := n.tokens.PushTokens(ctx, ids)
	if err != nil {
		return fmt.Errorf("load push tokens: %w", err)
	}

	var msgs []*messaging.Message
	for _, e := range entries {
		token, ok := tokens[e.CandidateID]
		if !ok {
			continue
		}
		msgs = append(msgs, newRequestMessage(token, r, e))
	}

	var failed int
	for start := 0; start < len(msgs); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(msgs))
		resp, err := n.sender.SendEach(ctx, msgs[start:end])
		if err != nil {
			return fmt.Errorf("send fcm batch: %w", err)
		}
		failed += resp.FailureCount
	}
	n.logger.Info("new request pushed",
		zap.String("request_id", r.ID.String()),
		zap.Int("candidates", len(entries)),
		zap.Int("sent", len(msgs)-failed),
		zap.Int("failed", failed))
	return nil
}

func newRequestMessage(token string, r *request.Request, e inbox.Entry) *messaging.Message {
	title := "Blood needed: " + r.BloodGroup
	if r.Emergency {
		title = "EMERGENCY: " + r.BloodGroup + " needed"
	}
	return &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":        "new_request",
			"request_id":  string(r.ID),
			"inbox_id":    string(e.ID),
			"blood_group": r.BloodGroup,
			"component":   r.Component,
			"quantity":    strconv.Itoa(r.Quantity),
			"urgency":     string(r.Urgency),
			"emergency":   strconv.FormatBool(r.Emergency),
		},
		Notification: &messaging.Notification{
			Title: title,
			Body:  fmt.Sprintf("%d unit(s) of %s requested near you", r.Quantity, r.Component),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
}
