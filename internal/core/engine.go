package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/ledger"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LedgerPartition is the single source-sequence partition: commands arrive
// from the ledger substrate in one total order.
const LedgerPartition = "ledger"

// SignatureVerifier checks that an order was signed by its maker.
type SignatureVerifier interface {
	VerifyOrder(o *state.Order) error
}

// Config tunes the core. The zero value is usable.
type Config struct {
	IdempotencyCapacity    int   // LRU entries; default 1_000_000
	GlobalCheckInterval    int64 // run the zero-sum check every N commands; default 1000
	DisableSignatureChecks bool  // accept orders without verifying signatures
}

// DeterministicCore is the single-threaded command processor. It owns all
// ledger and market state; nothing else may touch it concurrently.
type DeterministicCore struct {
	cfg               Config
	sequence          int64
	lastTimestamp     int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	conditions        *state.ConditionRegistry
	books             *state.OrderBooks
	verifier          SignatureVerifier
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	replaying      bool
}

// BalanceEntry is the post-command balance of one account.
type BalanceEntry struct {
	Account ledger.AccountKey
	Balance int64
}

// CoreOutput is everything downstream workers need about one command.
type CoreOutput struct {
	Envelope   *command.Envelope
	Batch      *ledger.Batch // nil when the command moved no value
	StateDelta []byte
	Balances   []BalanceEntry
	Conditions []state.Condition
	Orders     []state.Order
	Fills      []state.Fill
}

// Result reports what a command did.
type Result struct {
	Sequence    int64
	StateHash   [32]byte
	Duplicate   bool
	ConditionID common.Hash // CreateCondition
	OrderStatus state.OrderStatus
	Remaining   int64 // SubmitOrder: quantity left resting
	Fills       []state.Fill
	Payout      int64 // Redeem
	Cancelled   int   // resting orders closed as a side effect
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	verifier SignatureVerifier,
	metrics *observability.Metrics,
) *DeterministicCore {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}
	if cfg.GlobalCheckInterval <= 0 {
		cfg.GlobalCheckInterval = 1000
	}

	balanceTracker := ledger.NewBalanceTracker()
	idempotency := NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker)
	if metrics != nil {
		idempotency.onDuplicate = func(commandType, tier string) {
			metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
		}
	}

	return &DeterministicCore{
		cfg:               cfg,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(balanceTracker),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		conditions:        state.NewConditionRegistry(),
		books:             state.NewOrderBooks(),
		verifier:          verifier,
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// plan collects everything a handler decided. Handlers only read state and
// fill the plan; the core applies the batch and runs commit afterwards.
type plan struct {
	now        int64
	builder    *ledger.BatchBuilder
	commit     []func()
	conditions map[common.Hash]struct{}
	orders     []*state.Order
	fills      []state.Fill
	result     Result
	statusMove bool
}

func (p *plan) touchCondition(id common.Hash) {
	p.conditions[id] = struct{}{}
}

func (p *plan) onCommit(fn func()) {
	p.commit = append(p.commit, fn)
}

// discard drops everything planned after a late rejection.
func (p *plan) discard() {
	p.commit = nil
	p.orders = nil
	p.fills = nil
	p.result = Result{}
	p.statusMove = false
}

// ProcessCommand is the main processing pipeline.
//
// A domain rejection is returned as *Error together with a non-nil Result:
// the command still consumes a sequence number and is logged so replay sees
// the same total order. Any other error means the command was not consumed.
func (c *DeterministicCore) ProcessCommand(cmd command.Command) (*Result, error) {
	start := time.Now()
	cmdType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier). The durable tier already holds
	// every logged command, so replay consults the LRU only.
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.IsDuplicateLocal(cmdType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(cmdType, idempotencyKey)
	}

	// Step 2: Encode and check ledger time before anything is consumed
	var payload []byte
	now := cmd.At().UnixMicro()
	if !isDuplicate {
		var err error
		if payload, err = command.Encode(cmd); err != nil {
			return nil, fmt.Errorf("encode command: %w", err)
		}
		if now < c.lastTimestamp {
			return nil, fmt.Errorf("non-monotonic timestamp: last=%d, got=%d", c.lastTimestamp, now)
		}
	}

	// Step 3: Sequence validation
	sourceSequence := cmd.SourceSequence()
	if c.replaying && sourceSequence > c.sequenceValidator.GetExpectedSequence(LedgerPartition) {
		// Duplicates consume a source sequence without being logged.
		c.sequenceValidator.SetExpectedSequence(LedgerPartition, sourceSequence)
	}
	if err := c.sequenceValidator.ValidateSequence(LedgerPartition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		c.recordSequenceError(err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(cmdType, "duplicate").Inc()
		}
		return &Result{Duplicate: true}, nil
	}

	// Step 4: Dispatch - handlers validate fully and only plan
	p := &plan{
		now:        now,
		builder:    c.journalGen.Begin(idempotencyKey, c.sequence, now),
		conditions: make(map[common.Hash]struct{}),
	}
	domainErr := c.dispatchCommand(cmd, p)
	var rejected *Error
	if domainErr != nil && !errors.As(domainErr, &rejected) {
		return nil, fmt.Errorf("dispatch failed: %w", domainErr)
	}

	// Step 5-7: Validate, apply, commit, post-check
	var batch *ledger.Batch
	if rejected == nil && p.builder.Len() > 0 {
		batch = p.builder.Build()
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ValidateRange(batch); err != nil {
			rejected = &Error{Kind: KindInvalidAmount, Detail: err.Error()}
			if ref := conditionRef(cmd, p); ref != nil {
				rejected.ConditionID = *ref
			}
			batch = nil
			p.discard()
		}
	}
	if rejected == nil {
		if batch != nil {
			if err := c.balanceTracker.ApplyBatch(batch); err != nil {
				panic(fmt.Sprintf("FATAL: apply batch failed after validation: %v", err))
			}
		}
		for _, fn := range p.commit {
			fn()
		}
		if err := c.postCheckInvariants(batch, p); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	// Step 8: Hash chain
	stateDigest := c.computeStateDigest(batch, p, rejected)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &command.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		ConditionID:    conditionRef(cmd, p),
		Timestamp:      cmd.At(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if rejected != nil {
		envelope.RejectReason = rejected.Error()
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	if rejected == nil {
		c.fillProjectionData(&output, batch, p)
	}

	// Step 9: Emit outputs
	// Persist channel is a BLOCKING send (backpressure); projection channel
	// is NON-BLOCKING and drops on full, projections rebuild from the log.
	if c.persistChan != nil && !c.replaying {
		c.persistChan <- output
	}
	if c.projectionChan != nil && !c.replaying {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 10: Mark as processed
	c.idempotency.MarkProcessed(cmdType, idempotencyKey)
	c.lastTimestamp = now

	result := p.result
	result.Sequence = c.sequence
	result.StateHash = stateHash
	result.Fills = p.fills
	c.sequence++

	c.recordMetrics(cmdType, start, batch, p, rejected)

	if rejected != nil {
		return &result, rejected
	}
	return &result, nil
}

func (c *DeterministicCore) dispatchCommand(cmd command.Command, p *plan) error {
	switch e := cmd.(type) {
	case *command.CreateCondition:
		return c.handleCreateCondition(e, p)
	case *command.Deposit:
		return c.handleDeposit(e, p)
	case *command.Withdraw:
		return c.handleWithdraw(e, p)
	case *command.Split:
		return c.handleSplit(e, p)
	case *command.Merge:
		return c.handleMerge(e, p)
	case *command.Transfer:
		return c.handleTransfer(e, p)
	case *command.RequestResolution:
		return c.handleRequestResolution(e, p)
	case *command.DisputeResolution:
		return c.handleDisputeResolution(e, p)
	case *command.SubmitVerdict:
		return c.handleSubmitVerdict(e, p)
	case *command.Redeem:
		return c.handleRedeem(e, p)
	case *command.SubmitOrder:
		return c.handleSubmitOrder(e, p)
	case *command.CancelOrder:
		return c.handleCancelOrder(e, p)
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
}

// conditionRef returns the condition a command ended up touching, falling
// back to the one it names.
func conditionRef(cmd command.Command, p *plan) *common.Hash {
	if ref := cmd.ConditionRef(); ref != nil {
		id := *ref
		return &id
	}
	for id := range p.conditions {
		return &id
	}
	if p.result.ConditionID != (common.Hash{}) {
		id := p.result.ConditionID
		return &id
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: every
// touched account balance, condition and order, in a fixed order.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, p *plan, rejected *Error) []byte {
	if rejected != nil {
		reason := rejected.Kind.String()
		digest := make([]byte, 0, len(reason)+9)
		digest = append(digest, 'R')
		digest = append(digest, []byte(reason)...)
		return appendInt64LE(digest, c.sequence)
	}

	accounts := touchedAccounts(batch)
	digest := make([]byte, 0, len(accounts)*64)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	for _, id := range sortedHashes(p.conditions) {
		cond := c.conditions.Get(id)
		if cond == nil {
			continue
		}
		digest = append(digest, cond.ID[:]...)
		digest = append(digest, byte(cond.Status))
		for _, w := range cond.PayoutVector {
			digest = appendInt64LE(digest, int64(w))
		}
		if cond.Redemptions != nil {
			digest = append(digest, cond.Redemptions.Numerator().Bytes()...)
		}
	}

	for _, o := range sortedOrders(p.orders) {
		digest = append(digest, o.ID[:]...)
		digest = appendInt64LE(digest, o.Remaining)
		digest = appendInt64LE(digest, o.Reserved)
		digest = append(digest, byte(o.Status))
	}

	return digest
}

func touchedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	if batch == nil {
		return nil
	}
	seen := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		seen[j.DebitAccount] = true
		seen[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(seen))
	for key := range seen {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	return accounts
}

func sortedHashes(set map[common.Hash]struct{}) []common.Hash {
	out := make([]common.Hash, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Big().Cmp(out[j].Big()) < 0 })
	return out
}

func sortedOrders(orders []*state.Order) []*state.Order {
	out := append([]*state.Order(nil), orders...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (c *DeterministicCore) fillProjectionData(out *CoreOutput, batch *ledger.Batch, p *plan) {
	for _, key := range touchedAccounts(batch) {
		out.Balances = append(out.Balances, BalanceEntry{Account: key, Balance: c.balanceTracker.GetBalance(key)})
	}
	for _, id := range sortedHashes(p.conditions) {
		if cond := c.conditions.Get(id); cond != nil {
			out.Conditions = append(out.Conditions, *cond.Clone())
		}
	}
	for _, o := range sortedOrders(p.orders) {
		out.Orders = append(out.Orders, *o)
	}
	out.Fills = p.fills
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, p *plan) error {
	if batch != nil {
		if err := c.validator.ValidateTouchedAccounts(batch); err != nil {
			return fmt.Errorf("post-check non-negative: %w", err)
		}
	}

	for id := range p.conditions {
		cond := c.conditions.Get(id)
		if cond == nil {
			continue
		}
		if err := c.checkConditionBacking(cond); err != nil {
			return err
		}
	}

	if c.sequence > 0 && c.sequence%c.cfg.GlobalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

// checkConditionBacking verifies a condition's escrow against its tokens.
// Before resolution every slot supply equals the escrow. After resolution
// the escrow reconciles exactly with the weighted outstanding claims.
func (c *DeterministicCore) checkConditionBacking(cond *state.Condition) error {
	if cond.Status != state.StatusResolved {
		if err := c.validator.ValidateFullSetBacking(cond.ID, cond.SlotCount); err != nil {
			return fmt.Errorf("post-check full-set backing: %w", err)
		}
		return nil
	}

	supplies := make([]int64, cond.SlotCount)
	for slot := range supplies {
		supplies[slot] = c.balanceTracker.Supply(cond.ID, uint16(slot))
	}
	outstanding := fpmath.WeightedClaim(supplies, cond.PayoutVector)
	if !cond.Redemptions.Reconciles(c.balanceTracker.Escrow(cond.ID), outstanding) {
		return fmt.Errorf("post-check redemption backing: condition %s escrow %d does not reconcile with claims %s",
			cond.ID.Hex(), c.balanceTracker.Escrow(cond.ID), outstanding)
	}
	return nil
}

func (c *DeterministicCore) recordSequenceError(err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.CommandSequenceGap.WithLabelValues(LedgerPartition).Inc()
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.CommandOutOfOrder.WithLabelValues(LedgerPartition).Inc()
	}
}

func (c *DeterministicCore) recordMetrics(cmdType string, start time.Time, batch *ledger.Batch, p *plan, rejected *Error) {
	if c.metrics == nil {
		return
	}
	if rejected != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(cmdType, rejected.Kind.String()).Inc()
	} else {
		c.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
		if batch != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		for _, f := range p.fills {
			c.metrics.FillsTotal.Inc()
			c.metrics.FillVolume.Add(float64(f.Collateral))
		}
		if p.result.Payout > 0 {
			c.metrics.RedemptionsPaid.Add(float64(p.result.Payout))
		}
		if p.statusMove {
			counts := c.conditions.CountByStatus()
			for status := state.StatusOpen; status <= state.StatusResolved; status++ {
				c.metrics.ConditionsByStatus.WithLabelValues(status.String()).Set(float64(counts[status]))
			}
		}
		c.metrics.OrdersResting.Set(float64(c.books.RestingCount()))
	}
	c.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
}

// --- Queries ---
// Query methods read live state and must be called from the goroutine that
// owns the core.

// Balance returns the balance of one account.
func (c *DeterministicCore) Balance(key ledger.AccountKey) int64 {
	return c.balanceTracker.GetBalance(key)
}

// Condition returns a copy of a condition, or nil.
func (c *DeterministicCore) Condition(id common.Hash) *state.Condition {
	cond := c.conditions.Get(id)
	if cond == nil {
		return nil
	}
	return cond.Clone()
}

// OrderBook returns a snapshot of the book for one outcome token.
func (c *DeterministicCore) OrderBook(conditionID common.Hash, slot uint16) state.BookSnapshot {
	key := state.BookKey{ConditionID: conditionID, Slot: slot}
	if book := c.books.Book(key); book != nil {
		return book.Snapshot()
	}
	return state.BookSnapshot{ConditionID: conditionID, Slot: slot, Bids: []state.Level{}, Asks: []state.Level{}}
}

// Order returns a copy of a resting order.
func (c *DeterministicCore) Order(id uuid.UUID) (state.Order, bool) {
	o, ok := c.books.Resting(id)
	if !ok {
		return state.Order{}, false
	}
	return *o, true
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// NextSourceSequence returns the source sequence the core expects next.
func (c *DeterministicCore) NextSourceSequence() int64 {
	return c.sequenceValidator.GetExpectedSequence(LedgerPartition)
}

// LastTimestamp returns the ledger time of the last applied command (epoch micros).
func (c *DeterministicCore) LastTimestamp() int64 {
	return c.lastTimestamp
}

// CheckGlobalBalance runs the zero-sum check on demand.
func (c *DeterministicCore) CheckGlobalBalance() error {
	return c.validator.ValidateGlobalBalance()
}
