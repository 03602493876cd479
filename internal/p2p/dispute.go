package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/vault"
)

// The methods below are called by the arbitration engine only.

// Lookup returns a deal without a participant check.
func (s *Service) Lookup(ctx context.Context, id string) (*Deal, error) {
	return s.store.GetDeal(ctx, id)
}

// OpenDispute moves an open deal to disputed. The freeze stays in place.
func (s *Service) OpenDispute(ctx context.Context, id, arbitrationID string) error {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == StatusDisputed {
		return apperr.New(apperr.ErrStateConflict, "deal is already disputed")
	}
	prev := d.Status
	return s.transition(ctx, d, StatusDisputed, func(d *Deal) {
		d.PreDisputeStatus = prev
		d.ArbitrationID = arbitrationID
	})
}

// WithdrawDispute restores the status the deal had before the dispute.
func (s *Service) WithdrawDispute(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return err
	}
	if err := requireStatus(d, StatusDisputed); err != nil {
		return err
	}
	return s.transition(ctx, d, d.PreDisputeStatus, func(d *Deal) {
		d.PreDisputeStatus = ""
		d.ArbitrationID = ""
	})
}

// ReleaseToSeller rules for the seller: no transfer, the freeze is released
// and the deal is cancelled. Rejected if a payout may already have reached
// the buyer.
func (s *Service) ReleaseToSeller(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return err
	}
	if err := requireStatus(d, StatusDisputed); err != nil {
		return err
	}
	rec, err := s.settlements.Get(ctx, settlement.PayoutKey(id))
	switch {
	case err == nil && rec.Status != settlement.StatusAborted:
		return ErrPayoutAlreadySent
	case err != nil && !errors.Is(err, settlement.ErrNotFound):
		return err
	}

	if err := s.close(ctx, d, StatusCancelled, nil); err != nil {
		return err
	}
	logging.L(ctx).Info("p2p dispute resolved for seller", "deal_id", id)
	s.notify(ctx, d.SellerID, notify.EventP2PCancelled, d)
	s.notify(ctx, d.BuyerID, notify.EventP2PCancelled, d)
	return nil
}

// PayBuyer rules for the buyer: the full amount is sent from the seller's
// wallet using the arbitrator's session, under the same settlement key as
// the normal payout, so the buyer is paid at most once across both paths.
func (s *Service) PayBuyer(ctx context.Context, id string, sess *vault.Session) (string, error) {
	unlock, err := s.locks.Lock(ctx, dealKey(id))
	if err != nil {
		return "", err
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return "", err
	}
	if err := requireStatus(d, StatusDisputed); err != nil {
		return "", err
	}
	seller, err := s.users.Get(ctx, d.SellerID)
	if err != nil {
		return "", err
	}
	buyer, err := s.users.Get(ctx, d.BuyerID)
	if err != nil {
		return "", err
	}
	log := logging.L(ctx).With("deal_id", d.ID)

	rec := settlement.NewRecord(settlement.PayoutKey(d.ID), Kind, d.ID, seller.WalletAddress, buyer.WalletAddress, d.Amount())
	txHash, err := s.sendPayout(ctx, rec, sess, seller)
	if err != nil {
		return "", err
	}

	if err := s.close(ctx, d, StatusCompleted, func(d *Deal) { d.TxHash = txHash }); err != nil {
		log.Error("buyer paid but deal not closed", "tx_hash", txHash, "error", err)
		return txHash, err
	}
	log.Info("p2p dispute resolved for buyer", "tx_hash", txHash)
	s.notify(ctx, d.BuyerID, notify.EventP2PCompleted, d)
	s.notify(ctx, d.SellerID, notify.EventP2PCompleted, d)
	return txHash, nil
}

func (s *Service) sendPayout(ctx context.Context, rec *settlement.Record, sess *vault.Session, seller *ledger.User) (string, error) {
	err := s.settlements.Begin(ctx, rec)
	if settlement.IsDuplicate(err) {
		prev, gerr := s.settlements.Get(ctx, rec.Key)
		if gerr != nil {
			return "", gerr
		}
		if prev.Status == settlement.StatusBroadcast {
			// The normal payout already went out before the dispute.
			return prev.TxHash, nil
		}
		return "", ErrPayoutPending
	}
	if err != nil {
		return "", err
	}

	key, err := ledger.WalletKey(sess, seller)
	if err != nil {
		_ = s.settlements.Abort(ctx, rec.Key, "seller key unavailable")
		return "", fmt.Errorf("decrypt seller wallet: %w", err)
	}
	res, err := s.settlements.Execute(ctx, rec, key)
	if err != nil {
		if errors.Is(err, settlement.ErrOutcomeUnknown) {
			return "", ErrPayoutPending
		}
		return "", err
	}
	return res.TxHash, nil
}
