// Package slack delivers approval requests to a Slack incoming webhook as an
// interactive Block Kit message, optionally mirroring a plain-text summary to
// any shoutrrr-supported service.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

const (
	ActionApprove = "hitl_approve"
	ActionReject  = "hitl_reject"
)

type Config struct {
	WebhookURL string
	// NotifyURLs are shoutrrr service URLs for the secondary fan-out.
	NotifyURLs []string
	Timeout    time.Duration
}

type Notifier struct {
	cfg    Config
	http   *http.Client
	fanout *router.ServiceRouter
	logger *slog.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// New builds a notifier. Invalid shoutrrr URLs are an error; an empty
// WebhookURL leaves the primary channel disabled.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Notifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{cfg: cfg, http: httpClient, logger: logger.With("component", "slack")}
	if len(cfg.NotifyURLs) > 0 {
		sender, err := shoutrrr.CreateSender(cfg.NotifyURLs...)
		if err != nil {
			return nil, fmt.Errorf("notify urls: %w", err)
		}
		sender.Timeout = cfg.Timeout
		sender.SetLogger(log.New(io.Discard, "", 0))
		n.fanout = sender
	}
	return n, nil
}

// SendApproval posts the approval message. delivered is true only when the
// webhook answered 200; fan-out failures are logged and never change it.
func (n *Notifier) SendApproval(ctx context.Context, req ports.ApprovalRequest) (bool, error) {
	n.mirror(req)

	if n.cfg.WebhookURL == "" {
		n.logger.Warn("slack webhook not configured", "proposal_id", req.ProposalID)
		return false, nil
	}
	body, err := json.Marshal(approvalMessage(req))
	if err != nil {
		return false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		n.logger.Error("slack webhook rejected message", "status", resp.StatusCode, "body", string(msg))
		return false, nil
	}
	n.logger.Info("approval request sent", "proposal_id", req.ProposalID)
	return true, nil
}

func (n *Notifier) mirror(req ports.ApprovalRequest) {
	if n.fanout == nil {
		return
	}
	params := stypes.Params{}
	params.SetTitle("AegisChain approval required")
	for _, err := range n.fanout.Send(summary(req), &params) {
		if err != nil {
			n.logger.Warn("notification fan-out failed", "proposal_id", req.ProposalID, "err", err)
		}
	}
}

func summary(req ports.ApprovalRequest) string {
	return fmt.Sprintf("Approval required for %s: %s -> %s, cost %s, attention %.4f. Threat: %s",
		req.ProposalID, req.OriginalSupplier, req.ProposedSupplier, domain.FormatUSD(req.CostUSD, 2), req.AttentionScore, req.ThreatHeadline)
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type element struct {
	Type     string `json:"type"`
	Text     text   `json:"text"`
	Style    string `json:"style,omitempty"`
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}

type block struct {
	Type     string    `json:"type"`
	BlockID  string    `json:"block_id,omitempty"`
	Text     *text     `json:"text,omitempty"`
	Fields   []text    `json:"fields,omitempty"`
	Elements []element `json:"elements,omitempty"`
}

type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

func approvalMessage(req ports.ApprovalRequest) message {
	md := func(s string) text { return text{Type: "mrkdwn", Text: s} }
	return message{
		Text: "HITL Approval: " + req.ProposalID,
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: ":rotating_light: AegisChain HITL Approval Required"}},
			{Type: "section", Fields: []text{
				md("*Threat:*\n" + req.ThreatHeadline),
				md("*Proposal ID:*\n`" + req.ProposalID + "`"),
				md("*Current Supplier:*\n" + req.OriginalSupplier),
				md("*Proposed Supplier:*\n" + req.ProposedSupplier),
				md("*Reroute Cost:*\n" + domain.FormatUSD(req.CostUSD, 2)),
				md(fmt.Sprintf("*Attention Score:*\n%.4f", req.AttentionScore)),
			}},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: fmt.Sprintf(
				"*Drive Time (around hazard):* %.0f min\n*Rationale:*\n>%s", req.DriveTimeMinutes, req.Rationale)}},
			{Type: "divider"},
			{Type: "actions", BlockID: "hitl_" + req.ProposalID, Elements: []element{
				{Type: "button", Text: text{Type: "plain_text", Text: "Approve"}, Style: "primary", ActionID: ActionApprove, Value: req.ProposalID},
				{Type: "button", Text: text{Type: "plain_text", Text: "Reject"}, Style: "danger", ActionID: ActionReject, Value: req.ProposalID},
			}},
		},
	}
}
