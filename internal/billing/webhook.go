package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"claimcare/internal/audit"
	"claimcare/internal/metrics"
	"claimcare/internal/models"
	"claimcare/internal/report"
)

var (
	// ErrSignature marks a webhook whose signature did not verify. Such
	// events are rejected and never processed.
	ErrSignature = errors.New("webhook signature verification failed")
	// ErrStorage marks a durable write failure; the handler returns 5xx so
	// the provider redelivers.
	ErrStorage = errors.New("webhook storage failure")
)

// auditStore is the slice of audit.Store reconciliation needs.
type auditStore interface {
	Staged(ctx context.Context, id string) (*models.AuditRecord, error)
	Get(ctx context.Context, id string) (*models.AuditRecord, error)
	MarkPaid(ctx context.Context, rec *models.AuditRecord) error
}

// statusPublisher announces audit status transitions to subscribers.
type statusPublisher interface {
	PublishStatus(ctx context.Context, auditID string, status models.AuditStatus)
}

// Webhook reconciles payment completion back into the audit store.
// Delivery is at-least-once: everything here is safe to run twice for the
// same event because MarkPaid is an upsert by audit id.
type Webhook struct {
	secret   string
	store    auditStore
	notifier statusPublisher
	log      *logrus.Logger
}

// NewWebhook builds the webhook processor.
func NewWebhook(secret string, store auditStore, notifier statusPublisher, log *logrus.Logger) *Webhook {
	return &Webhook{secret: secret, store: store, notifier: notifier, log: log}
}

// Process verifies and handles one webhook delivery. A nil return means
// the event was handled (or benignly ignorable) and must be acknowledged
// with 200; ErrSignature maps to 400 and ErrStorage to 500.
func (w *Webhook) Process(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, w.secret)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeBadSignature).Inc()
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		return nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		// A verified event we cannot decode is provider churn, not
		// something a redelivery will fix.
		if w.log != nil {
			w.log.WithError(err).Warn("webhook session payload undecodable")
		}
		metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		return nil
	}

	auditID := sess.Metadata["auditId"]
	if auditID == "" {
		if w.log != nil {
			w.log.WithField("event_id", event.ID).Warn("checkout completed without audit id")
		}
		metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		return nil
	}
	userID, _ := strconv.ParseInt(sess.Metadata["userId"], 10, 64)

	// The staged copy is the source of truth; provider metadata is the
	// truncated fallback for when the staged entry expired before payment.
	rec, err := w.store.Staged(ctx, auditID)
	switch {
	case err == nil:
	case errors.Is(err, audit.ErrStagedMissing):
		// A consumed staged key is the normal state on redelivery:
		// the first delivery already upserted the full record, and
		// rewriting it from metadata would truncate the analysis.
		if durable, derr := w.store.Get(ctx, auditID); derr == nil && durable.Unlocked() {
			metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
			if w.log != nil {
				w.log.WithField("audit_id", auditID).Info("audit already reconciled, acking redelivery")
			}
			return nil
		}
		metrics.ReconciliationGapsTotal.Inc()
		if w.log != nil {
			w.log.WithField("audit_id", auditID).
				Error("staged audit expired before payment, reconciling from truncated metadata")
		}
		rec = recordFromMetadata(auditID, sess.Metadata)
	default:
		return fmt.Errorf("%w: load staged audit: %v", ErrStorage, err)
	}

	if userID > 0 {
		rec.UserID = userID
	}
	if err := w.store.MarkPaid(ctx, rec); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeDBError).Inc()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if w.notifier != nil {
		w.notifier.PublishStatus(ctx, auditID, models.AuditStatusPaid)
	}
	metrics.WebhookEventsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	if w.log != nil {
		w.log.WithFields(logrus.Fields{"audit_id": auditID, "user_id": userID}).Info("audit reconciled as paid")
	}
	return nil
}

// recordFromMetadata rebuilds what it can of an audit from the provider's
// (possibly truncated) session metadata.
func recordFromMetadata(auditID string, meta map[string]string) *models.AuditRecord {
	return &models.AuditRecord{
		ID:             auditID,
		BilledAmount:   report.ParseAmount(meta["totalAmount"]),
		ExpectedAmount: report.ParseAmount(meta["suggestedAmount"]),
		AnalysisTable:  meta["analysisData"],
		PatientName:    meta["patientName"],
		Reasoning:      meta["reasoning"],
	}
}
