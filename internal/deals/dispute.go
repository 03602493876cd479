package deals

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/custodia/internal/apperr"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/vault"
)

// ErrRefundPending is returned when a refund transfer was started but its
// outcome has not been settled by an operator.
var ErrRefundPending = apperr.New(apperr.ErrChainUnconfirmed, "a refund transfer for this deal is pending reconciliation")

// The methods below are called by the arbitration engine only. They skip
// participant checks; the caller has already authorized the actor.

// Lookup returns a deal without a participant check.
func (s *Service) Lookup(ctx context.Context, id string) (*Deal, error) {
	return s.store.Get(ctx, id)
}

// OpenDispute moves a live deal to in_arbitration, remembering where it was.
func (s *Service) OpenDispute(ctx context.Context, id, arbitrationID string) error {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == StatusInArbitration {
		return apperr.New(apperr.ErrStateConflict, "deal is already in arbitration")
	}
	prev := d.Status
	return s.transition(ctx, d, StatusInArbitration, func(d *Deal) {
		d.PreDisputeStatus = prev
		d.ArbitrationID = arbitrationID
	})
}

// WithdrawDispute restores the status the deal had before the dispute.
func (s *Service) WithdrawDispute(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := requireStatus(d, StatusInArbitration); err != nil {
		return err
	}
	return s.transition(ctx, d, d.PreDisputeStatus, func(d *Deal) {
		d.PreDisputeStatus = ""
		d.ArbitrationID = ""
	})
}

// ReleaseToSeller completes a disputed deal in the seller's favour. Nothing
// is decrypted here; the seller claims the credentials with their PIN.
func (s *Service) ReleaseToSeller(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := requireStatus(d, StatusInArbitration); err != nil {
		return err
	}
	if err := s.transition(ctx, d, StatusCompleted, nil); err != nil {
		return err
	}
	s.notify(ctx, d.SellerID, notify.EventDealCompleted, d)
	return nil
}

// RefundToBuyer sends the custody balance back to the buyer using the
// arbitrator's session and closes the deal as arbitration_resolved. The
// refund is sent at most once.
func (s *Service) RefundToBuyer(ctx context.Context, id string, sess *vault.Session) (string, error) {
	unlock, err := s.lock(ctx, dealKey(id))
	if err != nil {
		return "", err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := requireStatus(d, StatusInArbitration); err != nil {
		return "", err
	}
	buyer, err := s.users.Get(ctx, d.BuyerID)
	if err != nil {
		return "", err
	}
	log := logging.L(ctx).With("deal_id", d.ID)

	rec := settlement.NewRecord(settlement.RefundKey(d.ID), Kind, d.ID, d.CustodyAddress, buyer.WalletAddress, d.AmountUnits())
	txHash, err := s.sendRefund(ctx, d, rec, sess)
	if err != nil {
		return "", err
	}

	if err := s.transition(ctx, d, StatusArbitrationResolved, nil); err != nil {
		// The transfer is out; the settlement record keeps the tx hash for
		// reconciliation.
		log.Error("refund sent but deal not closed", "tx_hash", txHash, "error", err)
		return txHash, err
	}
	log.Info("deal refunded to buyer", "tx_hash", txHash)
	return txHash, nil
}

func (s *Service) sendRefund(ctx context.Context, d *Deal, rec *settlement.Record, sess *vault.Session) (string, error) {
	err := s.settlements.Begin(ctx, rec)
	if settlement.IsDuplicate(err) {
		prev, gerr := s.settlements.Get(ctx, rec.Key)
		if gerr != nil {
			return "", gerr
		}
		if prev.Status == settlement.StatusBroadcast {
			return prev.TxHash, nil
		}
		return "", ErrRefundPending
	}
	if err != nil {
		return "", err
	}

	key, err := sess.Decrypt(vault.DealKeyLabel(d.ID), d.EncryptedKey)
	if err != nil {
		_ = s.settlements.Abort(ctx, rec.Key, "custody key unavailable")
		return "", fmt.Errorf("decrypt custody key: %w", err)
	}
	res, err := s.settlements.Execute(ctx, rec, key)
	if err != nil {
		if errors.Is(err, settlement.ErrOutcomeUnknown) {
			return "", ErrRefundPending
		}
		return "", err
	}
	return res.TxHash, nil
}
