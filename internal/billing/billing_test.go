package billing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"claimcare/internal/audit"
	"claimcare/internal/config"
	"claimcare/internal/models"
	"claimcare/internal/redis"
	"claimcare/internal/storage"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{URL: "https://pay.example.test/cs_123"}, nil
}

func TestCreateSessionBuildsMetadata(t *testing.T) {
	fake := &fakeSessions{}
	co := newCheckoutWithCreator(fake, "price_123", "https://claimcare.test/", nil)

	rec := &models.AuditRecord{
		ID:             "aud-1",
		BilledAmount:   decimal.RequireFromString("150"),
		ExpectedAmount: decimal.RequireFromString("140"),
		AnalysisTable:  strings.Repeat("| row |", 200),
		PatientName:    "Jane Roe",
		Reasoning:      "Charge exceeds plan copay",
	}
	url, err := co.CreateSession(42, rec)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if url != "https://pay.example.test/cs_123" {
		t.Fatalf("unexpected redirect url %q", url)
	}

	p := fake.params
	if got := stripe.StringValue(p.Mode); got != string(stripe.CheckoutSessionModeSubscription) {
		t.Fatalf("mode = %q", got)
	}
	if got := stripe.StringValue(p.LineItems[0].Price); got != "price_123" {
		t.Fatalf("price = %q", got)
	}
	if got := stripe.StringValue(p.SuccessURL); got != "https://claimcare.test/audit/aud-1?success=true" {
		t.Fatalf("success url = %q", got)
	}
	if got := stripe.StringValue(p.CancelURL); got != "https://claimcare.test/audit/aud-1?canceled=true" {
		t.Fatalf("cancel url = %q", got)
	}

	meta := p.Metadata
	if meta["auditId"] != "aud-1" || meta["userId"] != "42" {
		t.Fatalf("identity metadata = %v", meta)
	}
	if meta["totalAmount"] != "150" || meta["suggestedAmount"] != "140" {
		t.Fatalf("amount metadata = %v", meta)
	}
	for key, val := range meta {
		if len(val) >= 500 {
			t.Fatalf("metadata %q exceeds provider ceiling (%d chars)", key, len(val))
		}
	}
	if len(meta["analysisData"]) != analysisMetaLimit {
		t.Fatalf("analysisData should be truncated to %d, got %d", analysisMetaLimit, len(meta["analysisData"]))
	}
}

func TestCreateSessionRejectsPlaceholderIDs(t *testing.T) {
	fake := &fakeSessions{}
	co := newCheckoutWithCreator(fake, "price_123", "https://claimcare.test", nil)

	for _, id := range []string{"", "  ", "undefined", "null"} {
		_, err := co.CreateSession(1, &models.AuditRecord{ID: id})
		if !errors.Is(err, ErrBadRequest) {
			t.Fatalf("id %q: err = %v, want ErrBadRequest", id, err)
		}
	}
	if _, err := co.CreateSession(1, nil); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("nil record: err = %v, want ErrBadRequest", err)
	}
	if fake.params != nil {
		t.Fatal("provider was called for an invalid request")
	}
}

type fakeAuditStore struct {
	staged     map[string]*models.AuditRecord
	durable    map[string]*models.AuditRecord
	marked     []*models.AuditRecord
	markErr    error
	stagedErr  error
	stagedHits int
}

func (f *fakeAuditStore) Staged(_ context.Context, id string) (*models.AuditRecord, error) {
	f.stagedHits++
	if f.stagedErr != nil {
		return nil, f.stagedErr
	}
	rec, ok := f.staged[id]
	if !ok {
		return nil, audit.ErrStagedMissing
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeAuditStore) Get(_ context.Context, id string) (*models.AuditRecord, error) {
	rec, ok := f.durable[id]
	if !ok {
		return nil, audit.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeAuditStore) MarkPaid(_ context.Context, rec *models.AuditRecord) error {
	if f.markErr != nil {
		return f.markErr
	}
	cp := *rec
	f.marked = append(f.marked, &cp)
	return nil
}

type fakeNotifier struct {
	published []string
}

func (f *fakeNotifier) PublishStatus(_ context.Context, auditID string, status models.AuditStatus) {
	f.published = append(f.published, auditID+":"+string(status))
}

const testWebhookSecret = "whsec_test_secret"

func signedHeader(t *testing.T, payload []byte) string {
	t.Helper()
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testWebhookSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func eventPayload(t *testing.T, eventType string, meta map[string]string) []byte {
	t.Helper()
	obj, err := json.Marshal(map[string]any{"id": "cs_test_1", "object": "checkout.session", "metadata": meta})
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data":        map[string]any{"object": json.RawMessage(obj)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestWebhookMarksStagedAuditPaid(t *testing.T) {
	store := &fakeAuditStore{staged: map[string]*models.AuditRecord{
		"X": {
			ID:             "X",
			Status:         models.AuditStatusPending,
			BilledAmount:   decimal.RequireFromString("100"),
			ExpectedAmount: decimal.RequireFromString("60"),
			AnalysisTable:  "| Service | Billed |\n|---|---|\n| Visit | $100 |",
		},
	}}
	notifier := &fakeNotifier{}
	wh := NewWebhook(testWebhookSecret, store, notifier, nil)

	payload := eventPayload(t, "checkout.session.completed", map[string]string{
		"auditId": "X", "userId": "7", "totalAmount": "100", "suggestedAmount": "60",
	})
	if err := wh.Process(context.Background(), payload, signedHeader(t, payload)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(store.marked) != 1 {
		t.Fatalf("MarkPaid calls = %d, want 1", len(store.marked))
	}
	got := store.marked[0]
	if got.ID != "X" || got.UserID != 7 {
		t.Fatalf("marked record = %+v", got)
	}
	if !got.BilledAmount.Equal(decimal.RequireFromString("100")) || !got.ExpectedAmount.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("amounts = %s/%s", got.BilledAmount, got.ExpectedAmount)
	}
	// The staged copy, not the truncated metadata, must win.
	if !strings.Contains(got.AnalysisTable, "Visit") {
		t.Fatalf("staged analysis table lost: %q", got.AnalysisTable)
	}
	if len(notifier.published) != 1 || notifier.published[0] != "X:paid" {
		t.Fatalf("published = %v", notifier.published)
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	store := &fakeAuditStore{}
	wh := NewWebhook(testWebhookSecret, store, nil, nil)

	payload := eventPayload(t, "checkout.session.completed", map[string]string{"auditId": "X"})
	err := wh.Process(context.Background(), payload, "t=1,v1=deadbeef")
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("err = %v, want ErrSignature", err)
	}
	if store.stagedHits != 0 || len(store.marked) != 0 {
		t.Fatal("store touched despite bad signature")
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	store := &fakeAuditStore{}
	wh := NewWebhook(testWebhookSecret, store, nil, nil)

	payload := eventPayload(t, "invoice.paid", map[string]string{"auditId": "X"})
	if err := wh.Process(context.Background(), payload, signedHeader(t, payload)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(store.marked) != 0 {
		t.Fatal("unrelated event mutated the store")
	}
}

func TestWebhookFallsBackToMetadataWhenStagingExpired(t *testing.T) {
	store := &fakeAuditStore{staged: map[string]*models.AuditRecord{}}
	wh := NewWebhook(testWebhookSecret, store, nil, nil)

	payload := eventPayload(t, "checkout.session.completed", map[string]string{
		"auditId":         "gone-1",
		"userId":          "9",
		"totalAmount":     "250.50",
		"suggestedAmount": "200",
		"analysisData":    "| Service | Billed |",
		"patientName":     "Jane Roe",
		"reasoning":       "Copay mismatch",
	})
	if err := wh.Process(context.Background(), payload, signedHeader(t, payload)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(store.marked) != 1 {
		t.Fatalf("MarkPaid calls = %d, want 1", len(store.marked))
	}
	got := store.marked[0]
	if got.ID != "gone-1" || got.UserID != 9 || got.PatientName != "Jane Roe" {
		t.Fatalf("fallback record = %+v", got)
	}
	if !got.BilledAmount.Equal(decimal.RequireFromString("250.50")) || !got.ExpectedAmount.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("fallback amounts = %s/%s", got.BilledAmount, got.ExpectedAmount)
	}
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	store := &fakeAuditStore{staged: map[string]*models.AuditRecord{
		"X": {ID: "X", BilledAmount: decimal.RequireFromString("100"), ExpectedAmount: decimal.RequireFromString("60")},
	}}
	wh := NewWebhook(testWebhookSecret, store, nil, nil)

	payload := eventPayload(t, "checkout.session.completed", map[string]string{"auditId": "X", "userId": "7"})
	header := signedHeader(t, payload)
	for i := 0; i < 2; i++ {
		if err := wh.Process(context.Background(), payload, header); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(store.marked) != 2 {
		t.Fatalf("MarkPaid calls = %d, want 2", len(store.marked))
	}
	if store.marked[0].ID != store.marked[1].ID {
		t.Fatal("redelivery produced a different record")
	}
}

type stagingCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newStagingCache() *stagingCache {
	return &stagingCache{data: make(map[string][]byte)}
}

func (c *stagingCache) SetJSON(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = raw
	return nil
}

func (c *stagingCache) GetJSON(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	raw, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return redis.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *stagingCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

// Redelivery after the first delivery consumed the staged copy must not
// rewrite the durable record from the truncated checkout metadata.
func TestWebhookRedeliveryKeepsDurableRecord(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := audit.NewStore(db, "sqlite3", newStagingCache())
	ctx := context.Background()

	longTable := "| Service | Billed |\n|---|---|\n" +
		strings.Repeat("| Lab panel | $140.00 |\n", 60)
	if len(longTable) <= analysisMetaLimit {
		t.Fatalf("test table must exceed the metadata ceiling, got %d chars", len(longTable))
	}
	rec := &models.AuditRecord{
		ID:             "aud-long",
		BilledAmount:   decimal.RequireFromString("8400"),
		ExpectedAmount: decimal.RequireFromString("8000"),
		AnalysisTable:  longTable,
		PatientName:    "Jane Roe",
	}
	if err := store.CreatePending(ctx, rec); err != nil {
		t.Fatalf("stage: %v", err)
	}

	wh := NewWebhook(testWebhookSecret, store, nil, nil)
	payload := eventPayload(t, "checkout.session.completed", map[string]string{
		"auditId":         "aud-long",
		"userId":          "7",
		"totalAmount":     "8400",
		"suggestedAmount": "8000",
		"analysisData":    longTable[:analysisMetaLimit],
	})
	header := signedHeader(t, payload)
	for i := 0; i < 2; i++ {
		if err := wh.Process(ctx, payload, header); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	got, err := store.Get(ctx, "aud-long")
	if err != nil {
		t.Fatalf("get durable record: %v", err)
	}
	if got.Status != models.AuditStatusPaid || !got.Unlocked() {
		t.Fatalf("record not paid after redelivery: %+v", got)
	}
	if got.AnalysisTable != longTable {
		t.Fatalf("redelivery degraded the record: analysis_table %d chars -> %d chars",
			len(longTable), len(got.AnalysisTable))
	}
	if got.UserID != 7 {
		t.Fatalf("user id = %d, want 7", got.UserID)
	}
}

func TestWebhookStorageFailureSurfaces(t *testing.T) {
	store := &fakeAuditStore{
		staged:  map[string]*models.AuditRecord{"X": {ID: "X"}},
		markErr: errors.New("disk full"),
	}
	wh := NewWebhook(testWebhookSecret, store, nil, nil)

	payload := eventPayload(t, "checkout.session.completed", map[string]string{"auditId": "X"})
	err := wh.Process(context.Background(), payload, signedHeader(t, payload))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
}

func TestWebhookAcksSessionWithoutAuditID(t *testing.T) {
	store := &fakeAuditStore{}
	wh := NewWebhook(testWebhookSecret, store, nil, nil)

	payload := eventPayload(t, "checkout.session.completed", map[string]string{"userId": "7"})
	if err := wh.Process(context.Background(), payload, signedHeader(t, payload)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if store.stagedHits != 0 || len(store.marked) != 0 {
		t.Fatal("store touched for session without audit id")
	}
}
