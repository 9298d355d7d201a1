package query

// ConditionResponse is a condition as the read side sees it.
type ConditionResponse struct {
	ConditionID           string   `json:"condition_id"`
	Oracle                string   `json:"oracle"`
	QuestionID            string   `json:"question_id"`
	SlotCount             int      `json:"slot_count"`
	Status                string   `json:"status"`
	DeadlineUs            int64    `json:"deadline_us"`
	CreatedAtUs           int64    `json:"created_at_us"`
	ResolutionRequestedUs int64    `json:"resolution_requested_us,omitempty"`
	DisputedAtUs          int64    `json:"disputed_at_us,omitempty"`
	ResolvedAtUs          int64    `json:"resolved_at_us,omitempty"`
	PayoutVector          []uint64 `json:"payout_vector,omitempty"`
	AsOfSequence          int64    `json:"as_of_sequence"`
}

// OrderResponse is an order and its latest book state.
type OrderResponse struct {
	OrderID     string `json:"order_id"`
	Maker       string `json:"maker"`
	ConditionID string `json:"condition_id"`
	Slot        uint16 `json:"slot"`
	Side        string `json:"side"`
	Price       int64  `json:"price"`
	Quantity    int64  `json:"quantity"`
	Remaining   int64  `json:"remaining"`
	Reserved    int64  `json:"reserved"`
	Nonce       string `json:"nonce"`
	ExpiryUs    int64  `json:"expiry_us"`
	Status      string `json:"status"`
	Sequence    int64  `json:"last_sequence"`
}

// FillResponse is one committed fill.
type FillResponse struct {
	FillID       string `json:"fill_id"`
	Sequence     int64  `json:"sequence"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	ConditionID  string `json:"condition_id"`
	Slot         uint16 `json:"slot"`
	Price        int64  `json:"price"`
	Quantity     int64  `json:"quantity"`
	Collateral   int64  `json:"collateral"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	TimestampUs  int64  `json:"timestamp_us"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
