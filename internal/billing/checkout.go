package billing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"claimcare/internal/config"
	"claimcare/internal/models"
)

// ErrBadRequest marks an invalid unlock attempt (missing or placeholder
// audit id).
var ErrBadRequest = errors.New("invalid checkout request")

// metadataLimit is Stripe's per-value metadata ceiling (500 chars). The
// analysis table is truncated harder because it is the longest field and
// the staged copy is the real source of truth anyway.
const (
	metadataLimit      = 490
	analysisMetaLimit  = 450
	checkoutPathFormat = "%s/audit/%s?%s"
)

// sessionCreator is the slice of the Stripe client the checkout flow
// needs; tests substitute a fake.
type sessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Checkout creates payment-provider checkout sessions for unlocking an
// audit. It never mutates the audit record; the webhook does that.
type Checkout struct {
	sessions sessionCreator
	priceID  string
	siteURL  string
	log      *logrus.Logger
}

// NewCheckout builds the checkout flow over a configured Stripe client.
func NewCheckout(cfg config.StripeConfig, siteURL string, log *logrus.Logger) *Checkout {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return &Checkout{
		sessions: sc.CheckoutSessions,
		priceID:  cfg.PriceID,
		siteURL:  strings.TrimRight(siteURL, "/"),
		log:      log,
	}
}

// newCheckoutWithCreator is the injection seam used by tests.
func newCheckoutWithCreator(sessions sessionCreator, priceID, siteURL string, log *logrus.Logger) *Checkout {
	return &Checkout{sessions: sessions, priceID: priceID, siteURL: strings.TrimRight(siteURL, "/"), log: log}
}

// CreateSession builds a checkout session for the audit and returns the
// redirect URL. The audit payload rides along as metadata so the webhook
// can fall back on it if the staged copy expires, with every field held
// under the provider's metadata ceiling.
func (c *Checkout) CreateSession(userID int64, rec *models.AuditRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: audit required", ErrBadRequest)
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" || id == "undefined" || id == "null" {
		return "", fmt.Errorf("%w: audit id missing", ErrBadRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(c.priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(fmt.Sprintf(checkoutPathFormat, c.siteURL, id, "success=true")),
		CancelURL:  stripe.String(fmt.Sprintf(checkoutPathFormat, c.siteURL, id, "canceled=true")),
	}
	params.AddMetadata("userId", strconv.FormatInt(userID, 10))
	params.AddMetadata("auditId", id)
	params.AddMetadata("totalAmount", truncate(rec.BilledAmount.String(), metadataLimit))
	params.AddMetadata("suggestedAmount", truncate(rec.ExpectedAmount.String(), metadataLimit))
	params.AddMetadata("analysisData", truncate(rec.AnalysisTable, analysisMetaLimit))
	params.AddMetadata("patientName", truncate(rec.PatientName, metadataLimit))
	params.AddMetadata("reasoning", truncate(rec.Reasoning, metadataLimit))

	sess, err := c.sessions.New(params)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).WithField("audit_id", id).Error("create checkout session failed")
		}
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
