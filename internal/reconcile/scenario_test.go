package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/identity"
	"github.com/figureai/credits-go-rewrite/internal/ledger"
	"github.com/figureai/credits-go-rewrite/internal/models"
	"github.com/figureai/credits-go-rewrite/internal/purchase"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ledgerStub is an in-memory credit-operations endpoint for end to end tests.
type ledgerStub struct {
	mu       sync.Mutex
	balances map[string]models.BalanceSnapshot
}

func newLedgerStub() *ledgerStub {
	return &ledgerStub{balances: make(map[string]models.BalanceSnapshot)}
}

func (s *ledgerStub) set(principal string, snapshot models.BalanceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[principal] = snapshot
}

func (s *ledgerStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Principal string `json:"principal"`
			Action    string `json:"action"`
			Amount    int    `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		snapshot := s.balances[req.Principal]
		if snapshot.SubscriptionStatus == "" {
			snapshot.SubscriptionStatus = models.SubscriptionFree
			snapshot.SubscriptionType = models.TypeFree
		}

		switch req.Action {
		case "get-credits":
			json.NewEncoder(w).Encode(snapshot)
		case "spend-credits":
			if snapshot.Credits < req.Amount {
				json.NewEncoder(w).Encode(models.SpendResult{
					Success: false, RemainingCredits: snapshot.Credits, Error: "insufficient credits",
				})
				return
			}
			snapshot.Credits -= req.Amount
			s.balances[req.Principal] = snapshot
			json.NewEncoder(w).Encode(models.SpendResult{Success: true, RemainingCredits: snapshot.Credits})
		case "check-reset":
			json.NewEncoder(w).Encode(models.ResetResult{ResetPerformed: false, Credits: snapshot.Credits})
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	})
}

func startEngine(t *testing.T, stub *ledgerStub) (*identity.Provider, *Controller) {
	t.Helper()

	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	store, err := identity.NewFileStore(t.TempDir())
	require.NoError(t, err)
	idProvider := identity.New(store, zerolog.Nop())
	principal, err := idProvider.GetOrCreate(context.Background())
	require.NoError(t, err)

	client, err := ledger.New(ledger.Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)

	ctrl, err := New(Config{Principal: principal, Ledger: client})
	require.NoError(t, err)
	return idProvider, ctrl
}

// A fresh install has no ledger account yet; the first refresh lands on the
// free tier with zero credits and no error.
func TestScenarioFreshInstall(t *testing.T) {
	stub := newLedgerStub()
	idProvider, ctrl := startEngine(t, stub)

	require.NoError(t, ctrl.Refresh(context.Background(), TriggerMount))

	view := ctrl.View()
	assert.Equal(t, 0, view.Credits)
	assert.Equal(t, models.SubscriptionFree, view.SubscriptionStatus)
	assert.Equal(t, models.TypeFree, view.SubscriptionType)
	assert.Empty(t, view.Err)

	stored, err := idProvider.Stored()
	require.NoError(t, err)
	assert.NotEmpty(t, stored, "the principal survives the first run")
}

// A user with five credits spends one; the view lands on the server's
// remainder of four.
func TestScenarioSpendOne(t *testing.T) {
	stub := newLedgerStub()
	idProvider, ctrl := startEngine(t, stub)
	stub.set(idProvider.Current(), models.BalanceSnapshot{
		Credits:            5,
		SubscriptionStatus: models.SubscriptionActive,
		SubscriptionType:   models.TypeWeekly,
	})

	require.NoError(t, ctrl.Refresh(context.Background(), TriggerMount))
	require.True(t, ctrl.HasEnough(1))

	result, err := ctrl.Spend(context.Background(), 1, "AI generation")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.RemainingCredits)
	assert.Equal(t, 4, ctrl.View().Credits)
}

// After a purchase the provider's webhook credits the ledger asynchronously.
// The delayed refresh cadence converges the cached balance without any user
// action.
func TestScenarioPostPurchaseConvergence(t *testing.T) {
	stub := newLedgerStub()
	idProvider, ctrl := startEngine(t, stub)
	principal := idProvider.Current()

	require.NoError(t, ctrl.Refresh(context.Background(), TriggerMount))
	require.Equal(t, 0, ctrl.View().Credits)

	simProvider := purchase.NewSimulatedProvider(nil)
	adapter, err := purchase.New(purchase.Config{
		Provider: simProvider,
		Refresh: func(ctx context.Context) {
			_ = ctrl.Refresh(ctx, TriggerPostPurchase)
		},
		RefreshDelays: []time.Duration{5 * time.Millisecond, 15 * time.Millisecond, 30 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, adapter.Initialize(context.Background()))

	products, err := adapter.LoadProducts(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, products)

	// The webhook lands between the first and last scheduled refresh.
	time.AfterFunc(10*time.Millisecond, func() {
		stub.set(principal, models.BalanceSnapshot{
			Credits:            25,
			SubscriptionStatus: models.SubscriptionActive,
			SubscriptionType:   models.TypeWeekly,
		})
	})

	result := adapter.Purchase(context.Background(), products[0])
	require.Equal(t, purchase.OutcomeSuccess, result.Outcome)

	require.Eventually(t, func() bool {
		return ctrl.View().Credits == 25
	}, 2*time.Second, 5*time.Millisecond, "the cached balance converges once the webhook lands")

	view := ctrl.View()
	assert.Equal(t, models.SubscriptionActive, view.SubscriptionStatus)
	assert.Equal(t, models.TypeWeekly, view.SubscriptionType)
}
