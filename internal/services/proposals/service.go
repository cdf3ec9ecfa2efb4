package proposals

import (
	"context"
	"fmt"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type Service struct {
	repo ports.ProposalRepository
}

func New(repo ports.ProposalRepository) *Service { return &Service{repo: repo} }

func (s *Service) Get(ctx context.Context, id string) (domain.Proposal, error) {
	return s.repo.Get(ctx, id)
}

// Page is one page of a proposal listing.
type Page struct {
	Items []domain.Proposal
	Total int
	Page  int
	Size  int
}

// List returns page (1-based) of proposals with the given statuses, newest
// first. An empty status set lists everything.
func (s *Service) List(ctx context.Context, statuses []domain.ProposalStatus, page, size int) (Page, error) {
	if page < 1 {
		return Page{}, fmt.Errorf("page must be >= 1: %w", ErrInvalidPage)
	}
	if size < 1 || size > MaxPageSize {
		return Page{}, fmt.Errorf("size must be in [1,%d]: %w", MaxPageSize, ErrInvalidPage)
	}
	for _, st := range statuses {
		if !st.Valid() {
			return Page{}, fmt.Errorf("unknown status %q: %w", st, ErrInvalidPage)
		}
	}
	items, total, err := s.repo.List(ctx, statuses, size, (page-1)*size)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []domain.Proposal{}
	}
	return Page{Items: items, Total: total, Page: page, Size: size}, nil
}

var ErrInvalidPage = errString("invalid page request")

type errString string

func (e errString) Error() string { return string(e) }
