package broker

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// segmentCategories maps each market segment to the broker-side instrument
// categories it aggregates. The binary segment spans two categories because
// the broker lists short-expiry instruments separately.
var segmentCategories = map[MarketSegment][]string{
	SegmentBinary:  {"binary", "turbo"},
	SegmentDigital: {"digital"},
	SegmentForex:   {"forex"},
	SegmentCrypto:  {"crypto"},
}

const otcSuffix = "-OTC"

// ResolveOpenAssets lists the currently open instruments of a segment,
// ranked for trading. Payout data exists only for the binary segment; for
// the others every quote carries a nil payout. A failed payout snapshot
// degrades the result to nil payouts and records PartialDataUnavailable,
// while a failed open-assets snapshot fails the whole call. minPayout
// filters quotes with a known payout only; unknown payouts always pass.
func (s *Session) ResolveOpenAssets(ctx context.Context, segment MarketSegment, minPayout int) ([]AssetQuote, error) {
	const op = "resolve_assets"

	if s.feed.Status() != StatusConnected {
		return nil, Errorf(KindNotConnected, op, "session not connected")
	}
	categories, ok := segmentCategories[segment]
	if !ok {
		return nil, Errorf(KindPartialDataUnavailable, op, "unknown segment %q", segment)
	}

	payload, err := s.feed.Call(ctx, "get-open-assets", map[string]any{"categories": categories})
	if err != nil {
		s.state.SetLastError(err)
		return nil, err
	}
	var open OpenAssetsPayload
	if err := json.Unmarshal(payload, &open); err != nil {
		err := Errorf(KindProtocolMalformed, op, "unreadable open-assets reply: %v", err)
		s.state.SetLastError(err)
		return nil, err
	}

	var payouts *PayoutsPayload
	if segment == SegmentBinary {
		payouts = s.fetchPayouts(ctx, categories)
	}

	quotes := mergeOpenAssets(segment, categories, open, payouts)
	quotes = filterByPayout(quotes, minPayout)
	sortQuotes(quotes)

	s.logger.Info("assets resolved",
		"function", "ResolveOpenAssets",
		"segment", segment,
		"count", len(quotes),
		"min_payout", minPayout)
	return quotes, nil
}

// fetchPayouts grabs the payout snapshot for the binary segment. Failure is
// tolerated: the caller proceeds with nil payouts.
func (s *Session) fetchPayouts(ctx context.Context, categories []string) *PayoutsPayload {
	payload, err := s.feed.Call(ctx, "get-payouts", map[string]any{"categories": categories})
	if err != nil {
		partial := NewError(KindPartialDataUnavailable, "resolve_assets", err)
		s.state.SetLastError(partial)
		s.logger.Warn("payout snapshot unavailable, listing without payouts",
			"function", "fetchPayouts",
			"error", err)
		return nil
	}
	var payouts PayoutsPayload
	if err := json.Unmarshal(payload, &payouts); err != nil {
		partial := Errorf(KindPartialDataUnavailable, "resolve_assets", "unreadable payout reply: %v", err)
		s.state.SetLastError(partial)
		s.logger.Warn("payout snapshot unreadable, listing without payouts",
			"function", "fetchPayouts",
			"error", err)
		return nil
	}
	return &payouts
}

// mergeOpenAssets folds the per-category open maps into one deduplicated
// quote list. A symbol open under several categories appears once, with the
// best payout across them.
func mergeOpenAssets(segment MarketSegment, categories []string, open OpenAssetsPayload, payouts *PayoutsPayload) []AssetQuote {
	seen := make(map[string]*AssetQuote)
	var order []string

	for _, category := range categories {
		for symbol, status := range open.Categories[category] {
			if !status.Open {
				continue
			}
			quote, dup := seen[symbol]
			if !dup {
				quote = &AssetQuote{
					Symbol:  symbol,
					Segment: segment,
					OTC:     strings.HasSuffix(symbol, otcSuffix),
				}
				seen[symbol] = quote
				order = append(order, symbol)
			}
			if payouts == nil {
				continue
			}
			if byCategory, ok := payouts.Profits[symbol]; ok {
				if fraction, ok := byCategory[category]; ok {
					percent := int(math.Round(fraction * 100))
					if quote.Payout == nil || *quote.Payout < percent {
						p := percent
						quote.Payout = &p
					}
				}
			}
		}
	}

	quotes := make([]AssetQuote, 0, len(order))
	for _, symbol := range order {
		quotes = append(quotes, *seen[symbol])
	}
	return quotes
}

// filterByPayout drops quotes whose known payout is below min. Quotes with
// no payout information always pass.
func filterByPayout(quotes []AssetQuote, min int) []AssetQuote {
	if min <= 0 {
		return quotes
	}
	kept := quotes[:0]
	for _, q := range quotes {
		if q.Payout == nil || *q.Payout >= min {
			kept = append(kept, q)
		}
	}
	return kept
}

// sortQuotes orders by payout descending with unknown payout ranked below
// zero, then regular instruments before OTC, then symbol. The order is fully
// deterministic for any input.
func sortQuotes(quotes []AssetQuote) {
	payoutRank := func(q AssetQuote) int {
		if q.Payout == nil {
			return -1
		}
		return *q.Payout
	}
	sort.Slice(quotes, func(i, j int) bool {
		ri, rj := payoutRank(quotes[i]), payoutRank(quotes[j])
		if ri != rj {
			return ri > rj
		}
		if quotes[i].OTC != quotes[j].OTC {
			return !quotes[i].OTC
		}
		return quotes[i].Symbol < quotes[j].Symbol
	})
}
