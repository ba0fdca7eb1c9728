package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/slack-go/slack"

	"github.com/fartnode/distributor/distributor/pkg/summary"
)

// Event describes how an epoch run ended.
type Event struct {
	RunID   string
	Outcome string
	Stage   string
	Reason  string
	Err     error

	// Summary is set when the run persisted a record.
	Summary *summary.EpochSummary
}

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	HTTPClient *http.Client
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// Slack posts epoch outcomes to an incoming webhook.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) Notify(ctx context.Context, ev Event) error {
	msg := Message(ev)
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	s.log.Debug("notify: posted slack message", "run_id", ev.RunID, "outcome", ev.Outcome)
	return nil
}

// Message renders ev as a webhook payload. Text carries the same content as
// the blocks for clients that do not render them.
func Message(ev Event) *slack.WebhookMessage {
	headline := headline(ev)

	var details []string
	if ev.Stage != "" {
		details = append(details, fmt.Sprintf("*Stage:* `%s`", ev.Stage))
	}
	if ev.Reason != "" {
		details = append(details, fmt.Sprintf("*Reason:* %s", ev.Reason))
	}
	if ev.Err != nil {
		details = append(details, fmt.Sprintf("*Error:* ```%s```", ev.Err.Error()))
	}
	if s := ev.Summary; s != nil {
		details = append(details,
			fmt.Sprintf("*Claimed:* %s SOL", FormatSOL(s.ClaimedLamports)),
			fmt.Sprintf("*Reserve:* %s SOL", FormatSOL(s.RewardsVaultBalance)),
			fmt.Sprintf("*Distributed:* %s SOL to %d holders in %d txs", FormatSOL(s.DistributedLamports), s.EligibleHolderCount, len(s.TxSignatures)),
			fmt.Sprintf("*SOL/USD:* %s", s.SOLUSDPrice.String()),
		)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, headline, false, false), nil, nil),
	}
	if len(details) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(details, "\n"), false, false), nil, nil))
	}
	if ev.RunID != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "run `"+ev.RunID+"`", false, false)))
	}

	text := headline
	if len(details) > 0 {
		text += "\n" + strings.Join(details, "\n")
	}
	return &slack.WebhookMessage{
		Text:   text,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func headline(ev Event) string {
	switch ev.Outcome {
	case "completed":
		return ":white_check_mark: Epoch completed"
	case "gated":
		return ":zzz: Epoch skipped"
	case "partial":
		return ":warning: Epoch partially distributed"
	default:
		return ":rotating_light: Epoch failed"
	}
}

// FormatSOL renders lamports as SOL with six decimals.
func FormatSOL(lamports uint64) string {
	return decimal.NewFromUint64(lamports).Shift(-9).StringFixed(6)
}
