package arbitration

import (
	"context"

	"github.com/mbd888/custodia/internal/deals"
	"github.com/mbd888/custodia/internal/p2p"
	"github.com/mbd888/custodia/internal/vault"
)

// DedicatedGateway adapts the dedicated-wallet deal engine.
type DedicatedGateway struct {
	Deals *deals.Service
}

var _ DealGateway = DedicatedGateway{}

func (g DedicatedGateway) Lookup(ctx context.Context, id string) (*DealView, error) {
	d, err := g.Deals.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DealView{
		ID:       d.ID,
		SellerID: d.SellerID,
		BuyerID:  d.BuyerID,
		Amount:   d.Amount,
		Status:   string(d.Status),
		Terminal: d.IsTerminal(),

		ArbitrationID: d.ArbitrationID,
		Ruling:        dedicatedRuling(d),
	}, nil
}

func dedicatedRuling(d *deals.Deal) Verdict {
	if d.ArbitrationID == "" {
		return ""
	}
	switch d.Status {
	case deals.StatusCompleted:
		return VerdictSeller
	case deals.StatusArbitrationResolved:
		return VerdictBuyer
	}
	return ""
}

func (g DedicatedGateway) OpenDispute(ctx context.Context, id, arbitrationID string) error {
	return g.Deals.OpenDispute(ctx, id, arbitrationID)
}

func (g DedicatedGateway) WithdrawDispute(ctx context.Context, id string) error {
	return g.Deals.WithdrawDispute(ctx, id)
}

func (g DedicatedGateway) ReleaseToSeller(ctx context.Context, id string) error {
	return g.Deals.ReleaseToSeller(ctx, id)
}

// PayBuyer refunds the custody wallet to the buyer.
func (g DedicatedGateway) PayBuyer(ctx context.Context, id string, sess *vault.Session) (string, error) {
	return g.Deals.RefundToBuyer(ctx, id, sess)
}

// P2PGateway adapts the P2P deal engine.
type P2PGateway struct {
	P2P *p2p.Service
}

var _ DealGateway = P2PGateway{}

func (g P2PGateway) Lookup(ctx context.Context, id string) (*DealView, error) {
	d, err := g.P2P.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DealView{
		ID:       d.ID,
		SellerID: d.SellerID,
		BuyerID:  d.BuyerID,
		Amount:   d.CryptoAmount,
		Status:   string(d.Status),
		Terminal: d.IsTerminal(),

		ArbitrationID: d.ArbitrationID,
		Ruling:        p2pRuling(d),
		TxHash:        d.TxHash,
	}, nil
}

func p2pRuling(d *p2p.Deal) Verdict {
	if d.ArbitrationID == "" {
		return ""
	}
	switch d.Status {
	case p2p.StatusCompleted:
		return VerdictBuyer
	case p2p.StatusCancelled:
		return VerdictSeller
	}
	return ""
}

func (g P2PGateway) OpenDispute(ctx context.Context, id, arbitrationID string) error {
	return g.P2P.OpenDispute(ctx, id, arbitrationID)
}

func (g P2PGateway) WithdrawDispute(ctx context.Context, id string) error {
	return g.P2P.WithdrawDispute(ctx, id)
}

func (g P2PGateway) ReleaseToSeller(ctx context.Context, id string) error {
	return g.P2P.ReleaseToSeller(ctx, id)
}

func (g P2PGateway) PayBuyer(ctx context.Context, id string, sess *vault.Session) (string, error) {
	return g.P2P.PayBuyer(ctx, id, sess)
}
