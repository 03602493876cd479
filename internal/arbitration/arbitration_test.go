package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/auth"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/deals"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/p2p"
	"github.com/mbd888/custodia/internal/retry"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/syncutil"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recorder struct {
	mu     sync.Mutex
	events []notify.EventType
}

func (r *recorder) Notify(_ context.Context, _ string, event notify.EventType, _, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count(event notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type fixture struct {
	svc         *Service
	store       *MemoryStore
	users       *ledger.Service
	sim         *chain.Simulated
	deals       *deals.Service
	p2p         *p2p.Service
	settlements *settlement.Service
	notes       *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New(testSecret, vault.WithPINCost(bcrypt.MinCost))
	require.NoError(t, err)
	sim := chain.NewSimulated()
	prov := chain.NewHDProvisioner()
	userStore := ledger.NewMemoryStore()
	users := ledger.NewService(userStore, sim, prov, v)
	settleStore := settlement.NewMemoryStore()
	settlements := settlement.NewService(settleStore, sim)
	locks := syncutil.NewKeyedMutex()
	notes := &recorder{}

	dealSvc := deals.NewService(deals.NewMemoryStore(), users, sim, prov, v, settlements).WithLocks(locks)
	p2pSvc := p2p.NewService(p2p.NewMemoryStore(userStore, settleStore), users, sim, settlements).WithLocks(locks)
	store := NewMemoryStore()
	svc := NewService(store, users).
		WithGateway(deals.Kind, DedicatedGateway{Deals: dealSvc}).
		WithGateway(p2p.Kind, P2PGateway{P2P: p2pSvc}).
		WithNotifier(notes).
		WithLocks(locks)

	f := &fixture{
		svc: svc, store: store, users: users, sim: sim,
		deals: dealSvc, p2p: p2pSvc, settlements: settlements, notes: notes,
	}
	ctx := context.Background()
	for _, id := range []string{"sam", "bea", "olga", "arb", "arb2"} {
		pin := "1234"
		if strings.HasPrefix(id, "arb") {
			pin = "4321"
		}
		_, err := users.Register(ctx, ledger.RegisterRequest{ID: id, Handle: id, PIN: pin})
		require.NoError(t, err)
	}
	for _, id := range []string{"arb", "arb2"} {
		_, err := users.SetArbitrator(ctx, "admin", id, true, "staff")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) user(t *testing.T, id string) *ledger.User {
	t.Helper()
	u, err := f.users.Get(context.Background(), id)
	require.NoError(t, err)
	return u
}

// p2pDeal returns a P2P deal between sam (seller) and bea (buyer) that
// reached fiat_sent.
func (f *fixture) p2pDeal(t *testing.T) *p2p.Deal {
	t.Helper()
	ctx := context.Background()
	f.sim.Credit(f.user(t, "sam").WalletAddress, usdc.FromWhole(50))
	o, err := f.p2p.CreateOrder(ctx, "sam", p2p.CreateOrderRequest{
		Side: p2p.SideSell, Amount: "50", Rate: "90", Currency: "RUB", PaymentDetails: "bank transfer",
	})
	require.NoError(t, err)
	d, err := f.p2p.StartDeal(ctx, "bea", p2p.StartDealRequest{OrderID: o.ID, Amount: "50"})
	require.NoError(t, err)
	_, err = f.p2p.ConfirmDeposit(ctx, "sam", d.ID, "1234")
	require.NoError(t, err)
	d, err = f.p2p.MarkFiatSent(ctx, "bea", d.ID)
	require.NoError(t, err)
	return d
}

// dedicatedDeal returns a funded dedicated deal in payment_confirmed.
func (f *fixture) dedicatedDeal(t *testing.T) *deals.Deal {
	t.Helper()
	ctx := context.Background()
	d, err := f.deals.Create(ctx, "sam", deals.CreateRequest{
		Counterparty: "bea", Role: deals.RoleSeller, Amount: "100", Description: "domain name",
	})
	require.NoError(t, err)
	_, err = f.deals.Accept(ctx, "bea", d.ID)
	require.NoError(t, err)
	f.sim.Credit(d.CustodyAddress, usdc.FromWhole(100))
	d, err = f.deals.ConfirmPayment(ctx, "bea", d.ID)
	require.NoError(t, err)
	return d
}

func (f *fixture) open(t *testing.T, kind, dealID, requester string) *Arbitration {
	t.Helper()
	a, err := f.svc.Request(context.Background(), requester, RequestRequest{DealKind: kind, DealID: dealID, Message: "paid but no release"})
	require.NoError(t, err)
	return a
}

func (f *fixture) assigned(t *testing.T, kind, dealID string) *Arbitration {
	t.Helper()
	a := f.open(t, kind, dealID, "bea")
	a, err := f.svc.Assign(context.Background(), "arb", a.ID, "")
	require.NoError(t, err)
	return a
}

func TestBuyerVerdictPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)

	a := f.open(t, p2p.Kind, d.ID, "bea")
	assert.Equal(t, StatusPending, a.Status)
	disputed, err := f.p2p.Lookup(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, p2p.StatusDisputed, disputed.Status)
	assert.Equal(t, a.ID, disputed.ArbitrationID)
	assert.Equal(t, 1, f.notes.count(notify.EventArbitrationOpened))

	a, err = f.svc.Assign(ctx, "arb", a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, a.Status)
	assert.Equal(t, "arb", a.ArbitratorID)

	a, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, Notes: "bank statement checks out", PIN: "4321"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, a.Status)
	assert.Equal(t, VerdictBuyer, a.Verdict)
	assert.NotEmpty(t, a.TxHash)
	assert.NotNil(t, a.ResolvedAt)

	require.Len(t, f.sim.Transfers(), 1)
	bal, err := f.sim.BalanceOf(ctx, f.user(t, "bea").WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, "50.000000", usdc.Format(bal))
	assert.Equal(t, 0, f.user(t, "sam").Frozen().Sign())

	closed, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusCompleted, closed.Status)
	assert.True(t, closed.IsTerminal())

	_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, PIN: "4321"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Len(t, f.sim.Transfers(), 1)
}

func TestResolve_WrongPINMovesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.assigned(t, p2p.Kind, d.ID)

	_, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, PIN: "0000"})
	assert.ErrorIs(t, err, vault.ErrWrongPIN)
	assert.True(t, errors.Is(err, apperr.ErrAuthentication))

	// The seller's PIN is not the arbitrator's.
	_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, PIN: "1234"})
	assert.ErrorIs(t, err, vault.ErrWrongPIN)

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, stored.Status)
	assert.Empty(t, f.sim.Transfers())
	assert.Equal(t, "50.000000", usdc.Format(f.user(t, "sam").Frozen()))
}

func TestResolve_SellerVerdictP2P(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.assigned(t, p2p.Kind, d.ID)

	a, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller, Notes: "no payment received"})
	require.NoError(t, err)
	assert.Equal(t, VerdictSeller, a.Verdict)
	assert.Empty(t, a.TxHash)

	closed, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusCancelled, closed.Status)
	assert.Equal(t, 0, f.user(t, "sam").Frozen().Sign())
	assert.Empty(t, f.sim.Transfers())
	assert.Equal(t, 2, f.notes.count(notify.EventArbitrationResolved))
}

func TestResolve_DedicatedBuyerRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dedicatedDeal(t)
	a := f.assigned(t, deals.Kind, d.ID)

	disputed, _ := f.deals.Lookup(ctx, d.ID)
	assert.Equal(t, deals.StatusInArbitration, disputed.Status)
	assert.Equal(t, deals.StatusPaymentConfirmed, disputed.PreDisputeStatus)

	a, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, PIN: "4321"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.TxHash)

	bal, _ := f.sim.BalanceOf(ctx, f.user(t, "bea").WalletAddress)
	assert.Equal(t, "100.000000", usdc.Format(bal))
	custody, _ := f.sim.BalanceOf(ctx, d.CustodyAddress)
	assert.Equal(t, 0, custody.Sign())

	closed, _ := f.deals.Lookup(ctx, d.ID)
	assert.Equal(t, deals.StatusArbitrationResolved, closed.Status)

	// The seller gets nothing to claim.
	_, err = f.deals.ClaimCredentials(ctx, "sam", d.ID, "1234")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
}

func TestResolve_DedicatedSellerClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dedicatedDeal(t)
	a := f.assigned(t, deals.Kind, d.ID)

	_, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
	require.NoError(t, err)

	closed, _ := f.deals.Lookup(ctx, d.ID)
	assert.Equal(t, deals.StatusCompleted, closed.Status)

	creds, err := f.deals.ClaimCredentials(ctx, "sam", d.ID, "1234")
	require.NoError(t, err)
	assert.Equal(t, d.CustodyAddress, creds.Address)
	_, err = f.deals.ClaimCredentials(ctx, "sam", d.ID, "1234")
	assert.Error(t, err)
	assert.Empty(t, f.sim.Transfers())
}

func TestRequest_Exclusivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	f.open(t, p2p.Kind, d.ID, "bea")

	for _, requester := range []string{"bea", "sam"} {
		_, err := f.svc.Request(ctx, requester, RequestRequest{DealKind: p2p.Kind, DealID: d.ID})
		assert.ErrorIs(t, err, ErrOpenExists, requester)
	}
	list, err := f.store.ListByDeal(ctx, p2p.Kind, d.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)

	_, err := f.svc.Request(ctx, "olga", RequestRequest{DealKind: p2p.Kind, DealID: d.ID})
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.svc.Request(ctx, "bea", RequestRequest{DealKind: "escrow", DealID: d.ID})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = f.svc.Request(ctx, "bea", RequestRequest{DealKind: p2p.Kind, DealID: d.ID, Message: strings.Repeat("x", 2001)})
	assert.ErrorIs(t, err, ErrMessageTooLong)
	_, err = f.svc.Request(ctx, "bea", RequestRequest{DealKind: p2p.Kind, DealID: "p2p_missing"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	// Closed deals cannot be disputed.
	f.sim.Credit(f.user(t, "sam").WalletAddress, usdc.FromWhole(10))
	o, err := f.p2p.CreateOrder(ctx, "sam", p2p.CreateOrderRequest{Side: p2p.SideSell, Amount: "10", Rate: "1", PaymentDetails: "cash"})
	require.NoError(t, err)
	other, err := f.p2p.StartDeal(ctx, "olga", p2p.StartDealRequest{OrderID: o.ID, Amount: "10"})
	require.NoError(t, err)
	_, err = f.p2p.CancelDeal(ctx, "olga", other.ID)
	require.NoError(t, err)
	_, err = f.svc.Request(ctx, "olga", RequestRequest{DealKind: p2p.Kind, DealID: other.ID})
	assert.ErrorIs(t, err, ErrDealTerminal)
}

type failingGateway struct {
	DealGateway
}

func (failingGateway) OpenDispute(context.Context, string, string) error {
	return errors.New("deal store unavailable")
}

func TestRequest_FailedFlipCancelsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	f.svc.WithGateway(p2p.Kind, failingGateway{P2PGateway{P2P: f.p2p}})

	_, err := f.svc.Request(ctx, "bea", RequestRequest{DealKind: p2p.Kind, DealID: d.ID})
	require.Error(t, err)

	list, err := f.store.ListByDeal(ctx, p2p.Kind, d.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusCancelled, list[0].Status)

	deal, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusFiatSent, deal.Status)

	// The cancelled record does not block a later request.
	f.svc.WithGateway(p2p.Kind, P2PGateway{P2P: f.p2p})
	f.open(t, p2p.Kind, d.ID, "bea")
}

func TestAssign_Capability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.open(t, p2p.Kind, d.ID, "bea")

	_, err := f.svc.Assign(ctx, "olga", a.ID, "")
	assert.ErrorIs(t, err, ErrNotArbitrator)
	_, err = f.svc.Assign(ctx, "arb", a.ID, "olga")
	assert.ErrorIs(t, err, ErrNotArbitrator)

	_, err = f.users.SetArbitrator(ctx, "admin", "sam", true, "staff")
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, "arb", a.ID, "sam")
	assert.ErrorIs(t, err, ErrConflictOfInterest)

	a, err = f.svc.Assign(ctx, "arb", a.ID, "arb2")
	require.NoError(t, err)
	assert.Equal(t, "arb2", a.ArbitratorID)

	_, err = f.svc.Assign(ctx, "arb", a.ID, "")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
}

func TestResolve_Checks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.open(t, p2p.Kind, d.ID, "bea")

	_, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
	assert.ErrorIs(t, err, ErrNotAssignee)

	a, err = f.svc.Assign(ctx, "arb", a.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, "arb2", a.ID, ResolveRequest{Verdict: VerdictSeller})
	assert.ErrorIs(t, err, ErrNotAssignee)
	_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: "both"})
	assert.ErrorIs(t, err, ErrInvalidVerdict)
	_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer})
	assert.ErrorIs(t, err, ErrPINRequired)

	_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSplit, PIN: "4321"})
	assert.ErrorIs(t, err, ErrSplitUnsupported)
	assert.True(t, errors.Is(err, apperr.ErrUnsupported))

	stored, _ := f.store.Get(ctx, a.ID)
	assert.Equal(t, StatusAssigned, stored.Status)
	deal, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusDisputed, deal.Status)
	assert.Empty(t, f.sim.Transfers())
}

func TestCancel_RestoresDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.open(t, p2p.Kind, d.ID, "bea")

	_, err := f.svc.Cancel(ctx, "sam", a.ID)
	assert.ErrorIs(t, err, ErrCannotCancel)

	a, err = f.svc.Cancel(ctx, "bea", a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, a.Status)

	deal, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusFiatSent, deal.Status)
	assert.Empty(t, deal.ArbitrationID)
	assert.Equal(t, "50.000000", usdc.Format(f.user(t, "sam").Frozen()))

	// Once assigned only an arbitrator may cancel.
	a = f.assigned(t, p2p.Kind, d.ID)
	_, err = f.svc.Cancel(ctx, "bea", a.ID)
	assert.ErrorIs(t, err, ErrCannotCancel)
	_, err = f.svc.Cancel(ctx, "arb2", a.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "arb2", a.ID)
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
	assert.Equal(t, 4, f.notes.count(notify.EventArbitrationCancelled))
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.open(t, p2p.Kind, d.ID, "bea")

	for _, id := range []string{"bea", "sam", "arb"} {
		got, err := f.svc.Get(ctx, id, a.ID)
		require.NoError(t, err, id)
		assert.Equal(t, a.ID, got.ID)
	}
	_, err := f.svc.Get(ctx, "olga", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	queue, err := f.svc.ListQueue(ctx, "arb", "", 0)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
	_, err = f.svc.ListQueue(ctx, "bea", "", 0)
	assert.ErrorIs(t, err, ErrNotArbitrator)

	mine, err := f.svc.ListMine(ctx, "bea", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestHandlers_RequestAndSplit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	d := f.p2pDeal(t)

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyCaller, c.GetHeader(auth.HeaderCaller))
	})
	NewHandler(f.svc, slog.Default()).RegisterRoutes(g)

	do := func(caller, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderCaller, caller)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("bea", http.MethodPost, "/v1/arbitrations", `{"dealKind":"p2p","dealId":"`+d.ID+`","message":"seller silent"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Arbitration Arbitration `json:"arbitration"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Arbitration.ID

	w = do("bea", http.MethodPost, "/v1/arbitrations", `{"dealKind":"p2p","dealId":"`+d.ID+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do("arb", http.MethodPost, "/v1/arbitrations/"+id+"/assign", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do("arb", http.MethodPost, "/v1/arbitrations/"+id+"/resolve", `{"verdict":"split"}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = do("arb", http.MethodPost, "/v1/arbitrations/"+id+"/resolve", `{"verdict":"buyer","pin":"9999"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do("olga", http.MethodGet, "/v1/arbitrations/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolve_SharedLocksNeverStall(t *testing.T) {
	f := newFixture(t)

	// Arbitration and deal ids are random; enough rounds that an arbitration
	// key and its deal key would land on the same slot of any fixed pool.
	for i := 0; i < 200; i++ {
		d := f.p2pDeal(t)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a, err := f.svc.Request(ctx, "bea", RequestRequest{DealKind: p2p.Kind, DealID: d.ID})
		require.NoError(t, err, "round %d", i)
		_, err = f.svc.Assign(ctx, "arb", a.ID, "")
		require.NoError(t, err, "round %d", i)
		if i%2 == 0 {
			_, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
		} else {
			_, err = f.svc.Cancel(ctx, "arb", a.ID)
		}
		cancel()
		require.NoError(t, err, "round %d", i)
	}
}

func TestCancel_ParticipantArbitratorConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)

	_, err := f.users.SetArbitrator(ctx, "admin", "sam", true, "staff")
	require.NoError(t, err)
	a := f.assigned(t, p2p.Kind, d.ID)

	_, err = f.svc.Cancel(ctx, "sam", a.ID)
	assert.ErrorIs(t, err, ErrConflictOfInterest)
	deal, _ := f.p2p.Lookup(ctx, d.ID)
	assert.Equal(t, p2p.StatusDisputed, deal.Status)

	// The requester may still withdraw their own pending request.
	f2 := newFixture(t)
	d2 := f2.p2pDeal(t)
	_, err = f2.users.SetArbitrator(ctx, "admin", "bea", true, "staff")
	require.NoError(t, err)
	a2 := f2.open(t, p2p.Kind, d2.ID, "bea")
	_, err = f2.svc.Cancel(ctx, "bea", a2.ID)
	require.NoError(t, err)
}

// flakyStore fails the first fail writes that resolve an arbitration.
type flakyStore struct {
	Store
	mu   sync.Mutex
	fail int
}

func (s *flakyStore) Update(ctx context.Context, a *Arbitration, expected Status) error {
	s.mu.Lock()
	if a.Status == StatusResolved && s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, a, expected)
}

func TestResolve_RetriesVerdictRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.assigned(t, p2p.Kind, d.ID)

	f.svc.store = &flakyStore{Store: f.store, fail: 2}
	f.svc.recordPolicy = retry.Policy{Attempts: 3}

	a, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, PIN: "4321"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, a.Status)
	stored, _ := f.store.Get(ctx, a.ID)
	assert.Equal(t, StatusResolved, stored.Status)
}

func TestResolve_RecordsVerdictAlreadyApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)
	a := f.assigned(t, p2p.Kind, d.ID)

	f.svc.store = &flakyStore{Store: f.store, fail: 10}
	f.svc.recordPolicy = retry.Policy{Attempts: 2}

	_, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictBuyer, PIN: "4321"})
	require.Error(t, err)
	stored, _ := f.store.Get(ctx, a.ID)
	assert.Equal(t, StatusAssigned, stored.Status)
	closed, _ := f.p2p.Lookup(ctx, d.ID)
	require.Equal(t, p2p.StatusCompleted, closed.Status)
	require.Len(t, f.sim.Transfers(), 1)

	// With the store back, a repeat records the applied ruling and pays nothing.
	f.svc.store = f.store
	a, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, a.Status)
	assert.Equal(t, VerdictBuyer, a.Verdict)
	assert.Equal(t, closed.TxHash, a.TxHash)
	assert.Len(t, f.sim.Transfers(), 1)
}

func TestResolve_RecordsDedicatedSellerRuling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dedicatedDeal(t)
	a := f.assigned(t, deals.Kind, d.ID)

	f.svc.store = &flakyStore{Store: f.store, fail: 1}
	f.svc.recordPolicy = retry.Policy{Attempts: 1}
	_, err := f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
	require.Error(t, err)

	f.svc.store = f.store
	a, err = f.svc.Resolve(ctx, "arb", a.ID, ResolveRequest{Verdict: VerdictSeller})
	require.NoError(t, err)
	assert.Equal(t, VerdictSeller, a.Verdict)
}

func TestListForDeal_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.p2pDeal(t)

	first := f.open(t, p2p.Kind, d.ID, "bea")
	_, err := f.svc.Cancel(ctx, "bea", first.ID)
	require.NoError(t, err)
	f.open(t, p2p.Kind, d.ID, "sam")

	for _, id := range []string{"bea", "sam", "arb"} {
		list, err := f.svc.ListForDeal(ctx, id, p2p.Kind, d.ID)
		require.NoError(t, err, id)
		assert.Len(t, list, 2, id)
	}
	_, err = f.svc.ListForDeal(ctx, "olga", p2p.Kind, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ListForDeal(ctx, "bea", "escrow", d.ID)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestHandlers_DealHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	d := f.p2pDeal(t)
	f.open(t, p2p.Kind, d.ID, "bea")

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyCaller, c.GetHeader(auth.HeaderCaller))
	})
	NewHandler(f.svc, slog.Default()).RegisterRoutes(g)

	get := func(caller string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/arbitrations?dealKind=p2p&dealId="+d.ID, nil)
		req.Header.Set(auth.HeaderCaller, caller)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("sam")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Arbitrations []Arbitration `json:"arbitrations"`
		Count        int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "bea", body.Arbitrations[0].RequesterID)

	assert.Equal(t, http.StatusNotFound, get("olga").Code)
}
