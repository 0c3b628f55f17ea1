package rpc

import "time"

// GetInfoRequest carries no fields; it exists so the method signature
// matches every other RPC's (request, response) shape.
type GetInfoRequest struct{}

// GetInfoResponse is spec §3's health-check surface: whether the daemon's
// two chain syncers are reachable and how many swaps are in flight.
type GetInfoResponse struct {
	Version           string `json:"version"`
	ArbitratingHealth string `json:"arbitrating_health"`
	AccordantHealth   string `json:"accordant_health"`
	ActiveSwaps       int    `json:"active_swaps"`
}

// ListDealsRequest selects which deals to return; an empty Selector returns
// every deal known to the daemon (spec §3's ListDeals(selector), expanded
// per SPEC_FULL.md §3 to accept a status filter).
type ListDealsRequest struct {
	Selector string `json:"selector"`
}

type DealSummary struct {
	SwapID                string `json:"swap_id"`
	State                 string `json:"state"`
	Outcome               string `json:"outcome"`
	Role                  string `json:"role"`
	ArbitratingBlockchain string `json:"arbitrating_blockchain"`
	AccordantBlockchain   string `json:"accordant_blockchain"`
	ArbitratingAmount     int64  `json:"arbitrating_amount"`
	AccordantAmount       int64  `json:"accordant_amount"`
}

type ListDealsResponse struct {
	Deals []DealSummary `json:"deals"`
}

// MakeDealRequest asks the daemon to publish a new deal offer as maker.
type MakeDealRequest struct {
	ArbitratingBlockchain string `json:"arbitrating_blockchain"`
	AccordantBlockchain   string `json:"accordant_blockchain"`
	ArbitratingAmount     int64  `json:"arbitrating_amount"`
	AccordantAmount       int64  `json:"accordant_amount"`
	CancelTimelock        uint32 `json:"cancel_timelock"`
	PunishTimelock        uint32 `json:"punish_timelock"`
	MakerRole             string `json:"maker_role"`
}

type MakeDealResponse struct {
	PublicDeal string `json:"public_deal"`
}

// TakeDealRequest asks the daemon to take an encoded public deal as taker.
type TakeDealRequest struct {
	PublicDeal string `json:"public_deal"`
}

type TakeDealResponse struct {
	SwapID string `json:"swap_id"`
}

// RevokeDealRequest cancels a deal offer the daemon made as maker that no
// counterparty has taken yet (SPEC_FULL.md §3's supplemented "deal
// revocation" feature).
type RevokeDealRequest struct {
	DealID string `json:"deal_id"`
}

type RevokeDealResponse struct{}

// ProgressRequest opens a SubscribeProgress stream for one swap.
type ProgressRequest struct {
	SwapID string `json:"swap_id"`
}

// ProgressUpdate is one TransitionEvent pushed to a SubscribeProgress
// stream, per SPEC_FULL.md §3's progress-diffing feature.
type ProgressUpdate struct {
	SwapID    string    `json:"swap_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Outcome   string    `json:"outcome"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}
