// Package approvals applies human decisions to proposals awaiting approval.
package approvals

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

// RejectionRecorder penalises the supplier of a rejected proposal.
type RejectionRecorder interface {
	RecordRejection(ctx context.Context, proposedSupplierID string) (domain.Adjustment, error)
}

type Service struct {
	proposals   ports.ProposalRepository
	reliability RejectionRecorder
	validate    *validator.Validate
	logger      *slog.Logger
}

func New(proposals ports.ProposalRepository, reliability RejectionRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		proposals:   proposals,
		reliability: reliability,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("component", "approvals"),
	}
}

// Decide moves an awaiting_approval proposal to approved or rejected. A
// rejection also penalises the proposed supplier once the transition has won,
// so a repeated callback cannot penalise twice. A failed penalty is logged and
// does not undo the decision.
func (s *Service) Decide(ctx context.Context, d domain.ApprovalDecision) (domain.Proposal, error) {
	if err := s.validate.Struct(d); err != nil {
		return domain.Proposal{}, fmt.Errorf("invalid decision: %w", err)
	}
	to := domain.StatusApproved
	if d.Action == domain.DecisionReject {
		to = domain.StatusRejected
	}
	p, err := s.proposals.Transition(ctx, d.ProposalID, domain.StatusAwaitingApproval, to, d.ActorID)
	if err != nil {
		return p, err
	}

	if d.Action == domain.DecisionReject && s.reliability != nil && p.ProposedSupplierID != "" {
		if _, err := s.reliability.RecordRejection(ctx, p.ProposedSupplierID); err != nil {
			s.logger.Error("rejection penalty failed", "supplier_id", p.ProposedSupplierID, "err", err)
		}
	}
	s.logger.Info("approval decision",
		"proposal_id", p.ID,
		"action", d.Action,
		"actor", d.ActorID)
	return p, nil
}
