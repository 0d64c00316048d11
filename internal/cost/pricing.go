// Package cost prices token usage and picks cheaper models when an agent's
// optimization rules allow it.
package cost

import (
	"sort"
	"strings"
	"sync"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Wildcard is the model key used when no specific model price is known.
const Wildcard = "*"

// defaultPricing holds USD prices per 1K tokens.
var defaultPricing = map[domain.Provider]map[string]domain.ModelPricing{
	domain.ProviderOpenAI: {
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4.1":       {InputPer1K: 0.002, OutputPer1K: 0.008},
		"gpt-4.1-mini":  {InputPer1K: 0.0004, OutputPer1K: 0.0016},
		"gpt-4.1-nano":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o1":            {InputPer1K: 0.015, OutputPer1K: 0.06},
		"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
		"o3-mini":       {InputPer1K: 0.0011, OutputPer1K: 0.0044},
		Wildcard:        {InputPer1K: 0.01, OutputPer1K: 0.03},
	},
	domain.ProviderAnthropic: {
		"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-7-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		Wildcard:            {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	domain.ProviderGemini: {
		"gemini-2.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.01},
		"gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
		"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		Wildcard:           {InputPer1K: 0.001, OutputPer1K: 0.004},
	},
}

// ProviderRef names the provider serving a call: its configured name and
// its wire type. Prices for the name win over prices for the type.
type ProviderRef struct {
	Name string
	Type domain.Provider
}

// ForType refers to a provider configured under its type's name.
func ForType(t domain.Provider) ProviderRef {
	return ProviderRef{Name: string(t), Type: t}
}

func (r ProviderRef) keys() []string {
	name := strings.ToLower(r.Name)
	typ := strings.ToLower(string(r.Type))
	switch {
	case name == "":
		return []string{typ}
	case typ == "" || typ == name:
		return []string{name}
	}
	return []string{name, typ}
}

// PriceBook maps provider and model to per-1K token prices. Tables are
// keyed by provider name or type; the defaults are keyed by type.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]map[string]domain.ModelPricing
}

// NewPriceBook returns a price book seeded with default prices and then the
// given overrides, keyed by provider name (or type) then model.
func NewPriceBook(overrides map[string]map[string]domain.ModelPricing) *PriceBook {
	pb := &PriceBook{prices: make(map[string]map[string]domain.ModelPricing)}
	for provider, models := range defaultPricing {
		for model, price := range models {
			pb.set(string(provider), model, price)
		}
	}
	for provider, models := range overrides {
		for model, price := range models {
			pb.set(provider, model, price)
		}
	}
	return pb
}

// Set replaces the price of one model for a provider name or type.
func (pb *PriceBook) Set(provider, model string, price domain.ModelPricing) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.set(provider, model, price)
}

func (pb *PriceBook) set(provider, model string, price domain.ModelPricing) {
	provider = strings.ToLower(provider)
	if pb.prices[provider] == nil {
		pb.prices[provider] = make(map[string]domain.ModelPricing)
	}
	pb.prices[provider][strings.ToLower(model)] = price
}

// Lookup returns the price for a model. The table for the provider name is
// searched first, then the one for its type. Within a table it tries an
// exact match, then the longest known model name that prefixes it (so dated
// snapshots such as "gpt-4o-2024-08-06" price as "gpt-4o"), then the
// wildcard.
func (pb *PriceBook) Lookup(ref ProviderRef, model string) (domain.ModelPricing, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	model = strings.ToLower(model)
	for _, key := range ref.keys() {
		if models, ok := pb.prices[key]; ok {
			if price, ok := match(models, model); ok {
				return price, true
			}
		}
	}
	return domain.ModelPricing{}, false
}

func match(models map[string]domain.ModelPricing, model string) (domain.ModelPricing, bool) {
	if price, ok := models[model]; ok {
		return price, true
	}
	candidates := make([]string, 0, len(models))
	for name := range models {
		if name != Wildcard && strings.HasPrefix(model, name) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
		return models[candidates[0]], true
	}
	price, ok := models[Wildcard]
	return price, ok
}

// Calculate returns the USD cost of usage at the model's price. Unknown
// providers cost nothing.
func (pb *PriceBook) Calculate(ref ProviderRef, model string, usage domain.Usage) float64 {
	price, ok := pb.Lookup(ref, model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000.0*price.InputPer1K +
		float64(usage.OutputTokens)/1000.0*price.OutputPer1K
}

// CalculateInteractionCosts prices usage at both the model the caller asked
// for and the model that actually served the request.
func CalculateInteractionCosts(pb *PriceBook, ref ProviderRef, baselineModel, actualModel string, usage domain.Usage) (baseline, actual float64) {
	actual = pb.Calculate(ref, actualModel, usage)
	if baselineModel == "" || baselineModel == actualModel {
		return actual, actual
	}
	return pb.Calculate(ref, baselineModel, usage), actual
}

// InputSavings prices tokens removed from the input at the model's input
// rate.
func (pb *PriceBook) InputSavings(ref ProviderRef, model string, tokensSaved int) float64 {
	if tokensSaved <= 0 {
		return 0
	}
	price, ok := pb.Lookup(ref, model)
	if !ok {
		return 0
	}
	return float64(tokensSaved) / 1000.0 * price.InputPer1K
}
