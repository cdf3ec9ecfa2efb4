package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"aegis/internal/domain"
)

// MaxSignatureAge bounds replay of captured requests.
const MaxSignatureAge = 300 * time.Second

var (
	ErrBadSignature = errors.New("invalid slack signature")
	ErrStale        = errors.New("slack request timestamp outside allowed window")
	ErrNoAction     = errors.New("slack payload has no recognised action")
)

// Sign computes the v0 signature Slack sends in X-Slack-Signature.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound request against the signing secret. A
// missing or unparsable timestamp is rejected.
func VerifySignature(secret, timestamp string, body []byte, signature string, now time.Time) error {
	if secret == "" {
		return errors.New("slack signing secret not configured")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStale
	}
	if math.Abs(float64(now.Unix()-ts)) > MaxSignatureAge.Seconds() {
		return ErrStale
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

type interaction struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// ParseAction decodes the form-encoded interaction body Slack posts when a
// button is clicked. The first hitl_* action wins.
func ParseAction(body []byte) (domain.ApprovalDecision, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return domain.ApprovalDecision{}, fmt.Errorf("parse form: %w", err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return domain.ApprovalDecision{}, errors.New("missing payload field")
	}
	var in interaction
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return domain.ApprovalDecision{}, fmt.Errorf("decode payload: %w", err)
	}
	actor := in.User.Username
	if actor == "" {
		actor = in.User.ID
	}
	for _, a := range in.Actions {
		var action domain.DecisionAction
		switch a.ActionID {
		case ActionApprove:
			action = domain.DecisionApprove
		case ActionReject:
			action = domain.DecisionReject
		default:
			continue
		}
		return domain.ApprovalDecision{ProposalID: a.Value, Action: action, ActorID: actor}, nil
	}
	return domain.ApprovalDecision{}, ErrNoAction
}
