package httpadapter

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/paulmach/orb/geojson"

	"aegis/internal/adapters/slack"
	"aegis/internal/domain"
	proposalsvc "aegis/internal/services/proposals"
	"aegis/internal/workers/pipelinerunner"
)

const maxBody = 1 << 20

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runPipeline is detached from the client connection. Only server shutdown
// or RunTimeout cancel the run.
func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.RunTimeout)
	defer cancel()
	stop := context.AfterFunc(s.Lifetime, cancel)
	defer stop()

	res, err := pipelinerunner.RunInline(ctx, s.Runner, s.Logger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := runResponse{PipelineResult: res, Procurement: make([]proposalView, 0, len(res.Proposals))}
	if out.Verdicts == nil {
		out.Verdicts = []domain.Verdict{}
	}
	if out.Actions == nil {
		out.Actions = []domain.Action{}
	}
	for _, p := range res.Proposals {
		out.Procurement = append(out.Procurement, toView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type runResponse struct {
	domain.PipelineResult
	Procurement []proposalView `json:"procurement"`
}

type executionEventRequest struct {
	ProposalID string     `json:"proposal_id" validate:"required"`
	EventType  string     `json:"event_type"`
	ThreatID   string     `json:"threat_id"`
	Source     string     `json:"source"`
	Timestamp  *time.Time `json:"timestamp"`
}

type executionEventReply struct {
	Status              string `json:"status"`
	SubscribersNotified int    `json:"subscribers_notified"`
}

// executionEvent records a reroute carried out by the downstream workflow and
// relays it to every progress listener.
func (s *Server) executionEvent(w http.ResponseWriter, r *http.Request) {
	var req executionEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(fmt.Sprintf("invalid body: %v", err)))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev := domain.Event{
		Stage:      domain.StageExecution,
		Status:     cmp.Or(req.EventType, "reroute_executed"),
		ProposalID: req.ProposalID,
		ThreatID:   req.ThreatID,
		Source:     cmp.Or(req.Source, "workflow"),
		Timestamp:  s.now().UTC(),
	}
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}

	notified := 0
	if s.Bus != nil {
		notified = s.Bus.Listeners()
		s.Bus.Emit(ev)
	}
	s.Logger.Info("execution event recorded",
		"event_type", ev.Status,
		"proposal_id", ev.ProposalID,
		"threat_id", ev.ThreatID,
		"source", ev.Source,
		"listeners", notified)
	writeJSON(w, http.StatusOK, executionEventReply{Status: "ok", SubscribersNotified: notified})
}

type proposalView struct {
	ID                   string            `json:"proposal_id"`
	ThreatID             string            `json:"threat_id"`
	Rank                 int               `json:"rank"`
	OriginalSupplierID   string            `json:"original_supplier_id"`
	ProposedSupplierID   string            `json:"proposed_supplier_id"`
	ProposedSupplierName string            `json:"proposed_supplier_name"`
	AttentionScore       float64           `json:"attention_score"`
	Reliability          float64           `json:"reliability_index"`
	MatchScore           float64           `json:"match_score"`
	DistanceFromThreatKm float64           `json:"distance_from_threat_km"`
	DriveTimeMinutes     float64           `json:"drive_time_minutes"`
	DistanceKm           float64           `json:"distance_km"`
	RouteGeometry        *geojson.Geometry `json:"route_geometry,omitempty"`
	CostUSD              float64           `json:"reroute_cost_usd"`
	Rationale            string            `json:"rationale"`
	Status               string            `json:"status"`
	RequiresHITL         bool              `json:"requires_hitl"`
	Approved             bool              `json:"approved"`
	Confidence           *float64          `json:"confidence,omitempty"`
	RLAdjustment         float64           `json:"rl_adjustment"`
	AuditExplanation     string            `json:"audit_explanation,omitempty"`
	NotificationSent     bool              `json:"slack_sent"`
	DecidedBy            string            `json:"decided_by,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func toView(p domain.Proposal) proposalView {
	v := proposalView{
		ID:                   p.ID,
		ThreatID:             p.ThreatID,
		Rank:                 p.Rank,
		OriginalSupplierID:   p.OriginalSupplierID,
		ProposedSupplierID:   p.ProposedSupplierID,
		ProposedSupplierName: p.ProposedSupplierName,
		AttentionScore:       p.AttentionScore,
		Reliability:          p.Reliability,
		MatchScore:           p.MatchScore,
		DistanceFromThreatKm: p.DistanceFromThreatKm,
		DriveTimeMinutes:     p.DriveTimeMinutes,
		DistanceKm:           p.DistanceKm,
		CostUSD:              p.CostUSD,
		Rationale:            p.Rationale,
		Status:               string(p.Status),
		RequiresHITL:         p.RequiresHITL,
		Approved:             p.Approved,
		Confidence:           p.Confidence,
		RLAdjustment:         p.RLAdjustment,
		AuditExplanation:     p.AuditExplanation,
		NotificationSent:     p.NotificationSent,
		DecidedBy:            p.DecidedBy,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
	if len(p.RouteGeometry) > 0 {
		v.RouteGeometry = geojson.NewGeometry(p.RouteGeometry)
	}
	return v
}

type proposalList struct {
	Proposals []proposalView `json:"proposals"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	Size      int            `json:"size"`
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var rawStatus []string
	if err := runtime.BindQueryParameter("form", true, false, "status", q, &rawStatus); err != nil {
		s.writeError(w, r, badRequest(fmt.Sprintf("invalid status: %v", err)))
		return
	}
	page, size := 1, proposalsvc.DefaultPageSize
	if err := runtime.BindQueryParameter("form", true, false, "page", q, &page); err != nil {
		s.writeError(w, r, badRequest(fmt.Sprintf("invalid page: %v", err)))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "size", q, &size); err != nil {
		s.writeError(w, r, badRequest(fmt.Sprintf("invalid size: %v", err)))
		return
	}

	var statuses []domain.ProposalStatus
	for _, raw := range rawStatus {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, domain.ProposalStatus(st))
			}
		}
	}

	res, err := s.Proposals.List(r.Context(), statuses, page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := proposalList{Proposals: make([]proposalView, 0, len(res.Items)), Total: res.Total, Page: res.Page, Size: res.Size}
	for _, p := range res.Items {
		out.Proposals = append(out.Proposals, toView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		s.writeError(w, r, badRequest(fmt.Sprintf("invalid id: %v", err)))
		return
	}
	p, err := s.Proposals.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(p))
}

type rlUpdateRequest struct {
	SupplierID         string         `json:"supplier_id" validate:"required"`
	Outcome            domain.Outcome `json:"outcome" validate:"required,oneof=success failure"`
	DeliveryDelayHours float64        `json:"delivery_delay_hours" validate:"gte=0"`
}

func (s *Server) rlUpdate(w http.ResponseWriter, r *http.Request) {
	var req rlUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(fmt.Sprintf("invalid body: %v", err)))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	adj, err := s.Outcomes.RecordOutcome(r.Context(), req.SupplierID, req.Outcome, req.DeliveryDelayHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	adj.Previous = round4(adj.Previous)
	adj.New = round4(adj.New)
	adj.Delta = round4(adj.Delta)
	writeJSON(w, http.StatusOK, adj)
}

type slackReply struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

func (s *Server) slackActions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, badRequest("unreadable body"))
		return
	}
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	if ts == "" {
		writeJSON(w, http.StatusForbidden, errorBody{Detail: "Missing X-Slack-Request-Timestamp header"})
		return
	}
	if s.SigningSecret != "" {
		if err := slack.VerifySignature(s.SigningSecret, ts, body, r.Header.Get("X-Slack-Signature"), s.now()); err != nil {
			s.Logger.Warn("slack signature rejected", "err", err)
			writeJSON(w, http.StatusForbidden, errorBody{Detail: "Invalid Slack signature"})
			return
		}
	}

	decision, err := slack.ParseAction(body)
	if err != nil {
		if errors.Is(err, slack.ErrNoAction) {
			s.writeError(w, r, badRequest("No actions in payload"))
			return
		}
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	p, err := s.Approvals.Decide(r.Context(), decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	verb := "APPROVED"
	if p.Status == domain.StatusRejected {
		verb = "REJECTED"
	}
	writeJSON(w, http.StatusOK, slackReply{ResponseType: "in_channel", Text: fmt.Sprintf("Reroute `%s` %s.", p.ID, verb)})
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
