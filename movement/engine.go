package movement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gioiasoftware/wine-inventory/middleware"
	"github.com/gioiasoftware/wine-inventory/model"
	"github.com/gioiasoftware/wine-inventory/redisclient"
	"github.com/gioiasoftware/wine-inventory/store"
)

var (
	ErrWineNotFound        = errors.New("movement: wine_not_found")
	ErrInsufficientQuantity = errors.New("movement: insufficient_quantity")
)

// Engine applies inventory movements as single atomic transactions
// (spec §4.I), serialising concurrent requests for the same wine with a
// Postgres row lock, assisted by an in-process keyed mutex and a
// best-effort Redis advisory lock, both keyed on tenant + lookup term, so
// replicas queue on that key before either opens a database transaction.
type Engine struct {
	store    *store.Store
	redis    *redisclient.Client
	inProcMu *middleware.KeyedMutex
	lockTTL  time.Duration
}

func New(st *store.Store, redis *redisclient.Client) *Engine {
	return &Engine{
		store:    st,
		redis:    redis,
		inProcMu: middleware.NewKeyedMutex(),
		lockTTL:  10 * time.Second,
	}
}

// Outcome is the result of a successful apply_movement call (spec §6).
type Outcome struct {
	WineID         int64
	WineName       string
	QuantityBefore int
	QuantityAfter  int
	MovementType   model.MovementType
}

// Apply implements apply_movement(tenant, wine_lookup_term,
// movement_type, quantity). quantity must be > 0; the no-op "set field"
// path used by admin operations is handled by SetField, not here.
func (e *Engine) Apply(ctx context.Context, tenantKey, lookupTerm string, movementType model.MovementType, quantity int) (Outcome, error) {
	lockKey := tenantKey + ":" + lookupTerm

	unlockInProc := e.inProcMu.Lock(lockKey)
	defer unlockInProc()

	if e.redis != nil {
		release, ok, err := e.redis.TryLock(ctx, "movement:"+lockKey, e.lockTTL)
		if err == nil && ok {
			defer release()
		}
		// Failure to acquire the Redis lock is not fatal: the Postgres
		// row lock below is the authoritative serialisation point.
	}

	pool := e.store.Pool()
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("movement: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	wine, err := e.lockWine(ctx, tx, tenantKey, lookupTerm)
	if err != nil {
		return Outcome{}, err
	}

	quantityBefore := wine.Quantity
	var quantityAfter, quantityChange int
	switch movementType {
	case model.MovementConsumo:
		if quantityBefore < quantity {
			return Outcome{}, ErrInsufficientQuantity
		}
		quantityAfter = quantityBefore - quantity
		quantityChange = -quantity
	case model.MovementRifornimento:
		quantityAfter = quantityBefore + quantity
		quantityChange = quantity
	default:
		return Outcome{}, fmt.Errorf("movement: unknown movement_type %q", movementType)
	}

	invTable := e.store.InventoryTable(tenantKey)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET quantity = $2, updated_at = now() WHERE wine_id = $1`, invTable),
		wine.WineID, quantityAfter); err != nil {
		return Outcome{}, fmt.Errorf("movement: update inventory: %w", err)
	}

	movTable := e.store.MovementsTable(tenantKey)
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (wine_name, wine_producer, movement_type, quantity_change, quantity_before, quantity_after, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, movTable),
		wine.Name, wine.Producer, string(movementType), quantityChange, quantityBefore, quantityAfter, now); err != nil {
		return Outcome{}, fmt.Errorf("movement: insert movement: %w", err)
	}

	if err := e.upsertHistory(ctx, tx, tenantKey, wine.Name, wine.Producer, movementType, quantityChange, quantityAfter, now); err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("movement: commit: %w", err)
	}

	return Outcome{
		WineID:         wine.WineID,
		WineName:       wine.Name,
		QuantityBefore: quantityBefore,
		QuantityAfter:  quantityAfter,
		MovementType:   movementType,
	}, nil
}

// wineRow is the minimal projection locked and updated by Apply.
type wineRow struct {
	WineID   int64
	Name     string
	Producer string
	Quantity int
}

// lockWine resolves lookupTerm to a single inventory row and locks it
// FOR UPDATE for the remainder of tx, per spec §4.I's ranking rule.
func (e *Engine) lockWine(ctx context.Context, tx pgx.Tx, tenantKey, lookupTerm string) (wineRow, error) {
	table := e.store.InventoryTable(tenantKey)
	patterns := likeTerms(lookupTerm)
	order := rank(lookupTerm)

	orderExpr := orderByExpr(order, len(patterns))

	whereClauses := make([]string, 0, len(patterns)*3)
	args := []interface{}{}
	argN := 1
	for _, p := range patterns {
		whereClauses = append(whereClauses,
			fmt.Sprintf("name ILIKE $%d OR producer ILIKE $%d OR grape_variety ILIKE $%d", argN, argN+1, argN+2))
		args = append(args, p, p, p)
		argN += 3
	}
	where := ""
	for i, c := range whereClauses {
		if i > 0 {
			where += " OR "
		}
		where += "(" + c + ")"
	}

	query := fmt.Sprintf(`
SELECT wine_id, name, producer, quantity FROM %s
WHERE %s
ORDER BY %s
LIMIT 1 FOR UPDATE`, table, where, orderExpr)

	row := tx.QueryRow(ctx, query, args...)
	var w wineRow
	if err := row.Scan(&w.WineID, &w.Name, &w.Producer, &w.Quantity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wineRow{}, ErrWineNotFound
		}
		return wineRow{}, fmt.Errorf("movement: lookup: %w", err)
	}
	return w, nil
}

// orderByExpr renders the ranked field order as a CASE expression: rows
// matching the highest-priority field surface first. The match tests
// reuse lockWine's ILIKE args: pattern i binds name, producer and
// grape_variety as $3i+1, $3i+2 and $3i+3.
func orderByExpr(order []field, nPatterns int) string {
	expr := "CASE "
	for priority, f := range order {
		expr += fmt.Sprintf("WHEN %s THEN %d ", fieldMatchExpr(f, nPatterns), priority)
	}
	expr += "ELSE 99 END"
	return expr
}

func fieldMatchExpr(f field, nPatterns int) string {
	col, offset := "name", 1
	switch f {
	case fieldProducer:
		col, offset = "producer", 2
	case fieldGrape:
		col, offset = "grape_variety", 3
	}
	expr := "("
	for i := 0; i < nPatterns; i++ {
		if i > 0 {
			expr += " OR "
		}
		expr += fmt.Sprintf("%s ILIKE $%d", col, 3*i+offset)
	}
	return expr + ")"
}

// historyEntry is one element of the per-wine ordered movement list
// stored in the history aggregate's entries column.
type historyEntry struct {
	MovementType   model.MovementType `json:"movement_type"`
	QuantityChange int                `json:"quantity_change"`
	QuantityAfter  int                `json:"quantity_after"`
	CreatedAt      time.Time          `json:"created_at"`
}

// upsertHistory maintains the per-(name, producer) rollup within the
// same transaction as the inventory update and movement insert, so a
// rollback on any later error reverts history too (invariant I5).
func (e *Engine) upsertHistory(ctx context.Context, tx pgx.Tx, tenantKey, name, producer string, movementType model.MovementType, quantityChange, quantityAfter int, when time.Time) error {
	table := e.store.HistoryTable(tenantKey)

	var entriesJSON []byte
	var firstAt, lastAt *time.Time
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT entries, first_movement_at, last_movement_at FROM %s WHERE name = $1 AND producer = $2 FOR UPDATE`, table),
		name, producer).Scan(&entriesJSON, &firstAt, &lastAt)

	var entries []historyEntry
	exists := true
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("movement: lock history: %w", err)
		}
		exists = false
	} else if len(entriesJSON) > 0 {
		if err := json.Unmarshal(entriesJSON, &entries); err != nil {
			return fmt.Errorf("movement: unmarshal history entries: %w", err)
		}
	}

	entries = append(entries, historyEntry{
		MovementType:   movementType,
		QuantityChange: quantityChange,
		QuantityAfter:  quantityAfter,
		CreatedAt:      when,
	})
	newEntriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("movement: marshal history entries: %w", err)
	}

	if firstAt == nil {
		firstAt = &when
	}
	lastAt = &when

	consumoDelta, riforDelta := 0, 0
	if movementType == model.MovementConsumo {
		consumoDelta = 1
	} else {
		riforDelta = 1
	}

	if !exists {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (name, producer, current_stock, total_consumi, total_rifornimenti, entries, first_movement_at, last_movement_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, table),
			name, producer, quantityAfter, consumoDelta, riforDelta, newEntriesJSON, firstAt, lastAt)
	} else {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET current_stock = $3, total_consumi = total_consumi + $4, total_rifornimenti = total_rifornimenti + $5,
	entries = $6, first_movement_at = $7, last_movement_at = $8
WHERE name = $1 AND producer = $2`, table),
			name, producer, quantityAfter, consumoDelta, riforDelta, newEntriesJSON, firstAt, lastAt)
	}
	if err != nil {
		return fmt.Errorf("movement: upsert history: %w", err)
	}
	return nil
}

// SetField implements the no-op movement path (spec §4.I): admin "set
// field" operations update the inventory row directly without writing a
// movement or touching history.
func (e *Engine) SetField(ctx context.Context, tenantKey string, wineID int64, field string, value interface{}) error {
	allowed := map[string]bool{
		"min_quantity": true, "notes": true, "description": true,
		"classification": true, "region": true, "country": true,
	}
	if !allowed[field] {
		return fmt.Errorf("movement: field %q is not settable", field)
	}
	table := e.store.InventoryTable(tenantKey)
	_, err := e.store.Pool().Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $2, updated_at = now() WHERE wine_id = $1`, table, field), wineID, value)
	if err != nil {
		return fmt.Errorf("movement: set field: %w", err)
	}
	return nil
}
