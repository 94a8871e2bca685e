package checker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/inference"
)

const modelInstruction = `You are a fraud analyst. Review the numbered transactions below and identify any that look suspicious (unusual amounts, odd timing, merchant anomalies).
Respond with JSON only, in this exact shape:
{"suspicious_indices": [0, 2], "reason": "short explanation"}
If nothing looks suspicious, return {"suspicious_indices": [], "reason": ""}.

Transactions:
`

// ModelChecker asks a language model to review the batch. It is advisory:
// every failure mode (no client, transport error, unparseable reply) degrades
// to zero flags with a warning, never an error.
type ModelChecker struct {
	name   string
	client inference.Client
	cache  domain.Cache
	logger *slog.Logger
}

// NewModelChecker creates a model-backed checker. A nil client yields a
// checker that flags nothing. The cache is optional and memoizes verdicts by
// batch digest.
func NewModelChecker(name string, client inference.Client, cache domain.Cache, logger *slog.Logger) *ModelChecker {
	if name == "" {
		name = "ModelChecker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelChecker{name: name, client: client, cache: cache, logger: logger}
}

// Name implements Checker.
func (c *ModelChecker) Name() string { return c.name }

// Initialize implements Checker.
func (c *ModelChecker) Initialize(opts Options) error {
	if opts == nil {
		return nil
	}
	return opts.validate()
}

type modelVerdict struct {
	SuspiciousIndices []int  `json:"suspicious_indices"`
	Reason            string `json:"reason"`
}

// Check implements BatchChecker.
func (c *ModelChecker) Check(ctx context.Context, txns []domain.Transaction) ([]domain.FraudFlag, error) {
	if c.client == nil || len(txns) == 0 {
		return nil, nil
	}

	prompt := c.buildPrompt(txns)

	reply, cached := c.cachedReply(ctx, prompt)
	if !cached {
		var err error
		reply, err = c.client.Analyze(ctx, prompt)
		if err != nil {
			c.logger.Warn("model analysis failed", "checker", c.name, "error", err)
			return nil, nil
		}
		c.storeReply(ctx, prompt, reply)
	}

	verdict, ok := c.parseVerdict(reply)
	if !ok {
		return nil, nil
	}

	var flagged []domain.Transaction
	for _, idx := range verdict.SuspiciousIndices {
		if idx < 0 || idx >= len(txns) {
			c.logger.Warn("model returned out-of-range index", "checker", c.name, "index", idx, "batch_size", len(txns))
			continue
		}
		flagged = append(flagged, txns[idx])
	}
	if len(flagged) == 0 {
		return nil, nil
	}

	flag, err := domain.NewFlag(flagged, c.name, "LLM: "+verdict.Reason, 0.70)
	if err != nil {
		c.logger.Warn("model verdict rejected", "checker", c.name, "error", err)
		return nil, nil
	}
	return []domain.FraudFlag{flag}, nil
}

func (c *ModelChecker) buildPrompt(txns []domain.Transaction) string {
	var b strings.Builder
	b.WriteString(modelInstruction)
	for i, tx := range txns {
		fmt.Fprintf(&b, "%d: user=%s, time=%s, merchant=%s, amount=$%.2f\n",
			i, tx.UserID, tx.TimestampString(), tx.MerchantName, tx.Amount)
	}
	return b.String()
}

// parseVerdict extracts the JSON object from the reply, tolerating prose or
// markdown fences around it.
func (c *ModelChecker) parseVerdict(reply string) (modelVerdict, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		c.logger.Warn("model reply contained no JSON object", "checker", c.name)
		return modelVerdict{}, false
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &verdict); err != nil {
		c.logger.Warn("model reply was not valid JSON", "checker", c.name, "error", err)
		return modelVerdict{}, false
	}
	return verdict, true
}

func (c *ModelChecker) cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "model:" + hex.EncodeToString(sum[:])
}

func (c *ModelChecker) cachedReply(ctx context.Context, prompt string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	v, err := c.cache.Get(ctx, c.cacheKey(prompt))
	if err != nil || v == nil {
		return "", false
	}
	return string(v), true
}

func (c *ModelChecker) storeReply(ctx context.Context, prompt, reply string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, c.cacheKey(prompt), []byte(reply), time.Hour); err != nil {
		c.logger.Warn("failed to cache model reply", "checker", c.name, "error", err)
	}
}
