package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
)

// Tier maps a confidence lower bound to a size multiplier.
type Tier struct {
	Min        int
	Multiplier float64
}

// Policy is the immutable risk policy. It is built once from
// configuration and read-only thereafter; every lookup the sizer,
// guard and lifecycle need is precomputed here.
type Policy struct {
	PerTradeRisk           float64
	DailyLossCap           float64
	WeeklyLossCap          float64
	MaxOpenPositions       int
	MaxPerCorrelationGroup int
	MinConfidence          int
	StrictMinConfidence    int

	BreakevenTrigger      float64
	BreakevenBufferPoints float64
	TrailingActivationR   float64
	TPAllocations         []float64
	ModifyRetryCycles     int

	MaxSpreadPoints float64

	tiers            []Tier // sorted by Min descending
	symbolGroups     map[string][]string
	assetMultipliers map[string]float64
	symbolMaxSpread  map[string]float64
}

// NewPolicy builds a policy from validated configuration.
func NewPolicy(cfg config.RiskConfig) (*Policy, error) {
	if len(cfg.ConfidenceTiers) == 0 {
		return nil, fmt.Errorf("at least one confidence tier is required")
	}

	tiers := make([]Tier, 0, len(cfg.ConfidenceTiers))
	for _, t := range cfg.ConfidenceTiers {
		tiers = append(tiers, Tier{Min: t.Min, Multiplier: t.Multiplier})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Min > tiers[j].Min })

	symbolGroups := make(map[string][]string)
	for group, symbols := range cfg.CorrelationGroups {
		for _, symbol := range symbols {
			symbolGroups[symbol] = append(symbolGroups[symbol], group)
		}
	}
	for _, groups := range symbolGroups {
		sort.Strings(groups)
	}

	p := &Policy{
		PerTradeRisk:           cfg.PerTradeRisk,
		DailyLossCap:           cfg.DailyLossCap,
		WeeklyLossCap:          cfg.WeeklyLossCap,
		MaxOpenPositions:       cfg.MaxOpenPositions,
		MaxPerCorrelationGroup: cfg.MaxPerCorrelationGroup,
		MinConfidence:          cfg.MinConfidence,
		StrictMinConfidence:    cfg.StrictMinConfidence,
		BreakevenTrigger:       cfg.BreakevenTrigger,
		BreakevenBufferPoints:  cfg.BreakevenBufferPoints,
		TrailingActivationR:    cfg.TrailingActivationR,
		TPAllocations:          append([]float64(nil), cfg.TPAllocations...),
		ModifyRetryCycles:      cfg.ModifyRetryCycles,
		MaxSpreadPoints:        cfg.MaxSpreadPoints,
		tiers:                  tiers,
		symbolGroups:           symbolGroups,
		assetMultipliers:       cfg.AssetClassMultipliers,
		symbolMaxSpread:        cfg.SymbolMaxSpread,
	}
	return p, nil
}

// TierMultiplier returns the size multiplier of the highest tier whose
// lower bound does not exceed the confidence. Confidence below every
// tier yields 0.
func (p *Policy) TierMultiplier(confidence int) float64 {
	for _, t := range p.tiers {
		if confidence >= t.Min {
			return t.Multiplier
		}
	}
	return 0
}

// GroupsOf returns the correlation groups the symbol belongs to. A
// symbol may belong to more than one group.
func (p *Policy) GroupsOf(symbol string) []string {
	return p.symbolGroups[symbol]
}

// AssetClassMultiplier returns the risk multiplier for the symbol's
// asset class, defaulting to 1.0.
func (p *Policy) AssetClassMultiplier(symbol string) float64 {
	if m, ok := p.assetMultipliers[assetClass(symbol)]; ok {
		return m
	}
	return 1.0
}

// MaxSpreadFor returns the spread ceiling in points for a symbol,
// honoring per-symbol overrides.
func (p *Policy) MaxSpreadFor(symbol string) float64 {
	if v, ok := p.symbolMaxSpread[symbol]; ok {
		return v
	}
	return p.MaxSpreadPoints
}

var indexSymbols = map[string]bool{
	"US30": true, "US500": true, "USTEC": true, "DE40": true,
	"NAS100": true, "SPX500": true, "GER40": true,
}

// assetClass buckets a symbol for risk-multiplier purposes.
func assetClass(symbol string) string {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "XAU") || strings.Contains(s, "GOLD"):
		return "gold"
	case strings.Contains(s, "XTI") || strings.Contains(s, "XBR") ||
		strings.Contains(s, "WTI") || strings.Contains(s, "BRENT"):
		return "oil"
	case indexSymbols[s]:
		return "indices"
	case strings.Contains(s, "BTC") || strings.Contains(s, "ETH") ||
		strings.HasSuffix(s, "USDT"):
		return "crypto"
	default:
		return "forex"
	}
}
