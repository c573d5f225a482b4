// Package store implements the per-tenant data layout (spec §3, §4.H):
// dynamic table provisioning, batched inserts, snapshot+facet queries,
// and the replace_mode bulk-import variant.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gioiasoftware/wine-inventory/model"
)

// Store provisions and queries per-tenant inventory, snapshot, and
// interaction-log tables. Table names are derived deterministically from
// the tenant key (spec §4.H: "table name suffixes... as long as
// isolation and efficient single-tenant queries are preserved").
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// tableSuffix turns a tenant key into a safe SQL identifier fragment.
// Tenant keys are never attacker-controlled SQL — they are user_ids
// assigned by this system — but the suffix is still sanitised before
// being interpolated into DDL/DML, since pgx has no bind-parameter
// support for identifiers.
func tableSuffix(tenantKey string) string {
	s := strings.ToLower(tenantKey)
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "anon"
	}
	return s
}

func (s *Store) inventoryTable(tenantKey string) string  { return fmt.Sprintf("inventory_%s", tableSuffix(tenantKey)) }
func (s *Store) snapshotTable(tenantKey string) string   { return fmt.Sprintf("inventory_snapshot_%s", tableSuffix(tenantKey)) }
func (s *Store) movementsTable(tenantKey string) string  { return fmt.Sprintf("movements_%s", tableSuffix(tenantKey)) }
func (s *Store) interactionTable(tenantKey string) string { return fmt.Sprintf("interactions_%s", tableSuffix(tenantKey)) }
func (s *Store) historyTable(tenantKey string) string    { return fmt.Sprintf("history_%s", tableSuffix(tenantKey)) }

// Table name accessors exported for the movement package, which runs its
// own transactions directly against the pool instead of through Store
// methods (the movement lookup/ranking logic is its own concern).
func (s *Store) InventoryTable(tenantKey string) string  { return s.inventoryTable(tenantKey) }
func (s *Store) MovementsTable(tenantKey string) string  { return s.movementsTable(tenantKey) }
func (s *Store) HistoryTable(tenantKey string) string    { return s.historyTable(tenantKey) }

// Pool exposes the underlying connection pool for packages (movement)
// that need to run their own multi-statement transactions.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// EnsureTenantTables provisions the four per-tenant collections named in
// spec §3. Provisioning is idempotent (IF NOT EXISTS throughout).
func (s *Store) EnsureTenantTables(ctx context.Context, tenantKey string) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	wine_id         BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	producer        TEXT NOT NULL DEFAULT '',
	supplier        TEXT NOT NULL DEFAULT '',
	vintage         INT,
	grape_variety   TEXT NOT NULL DEFAULT '',
	region          TEXT NOT NULL DEFAULT '',
	country         TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL DEFAULT 'Altro',
	classification  TEXT NOT NULL DEFAULT '',
	quantity        INT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	min_quantity    INT NOT NULL DEFAULT 0,
	cost_price      NUMERIC,
	selling_price   NUMERIC,
	alcohol_content DOUBLE PRECISION,
	description     TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	source_stage    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %[2]s (LIKE %[1]s INCLUDING ALL);
CREATE TABLE IF NOT EXISTS %[3]s (
	id               BIGSERIAL PRIMARY KEY,
	wine_name        TEXT NOT NULL,
	wine_producer    TEXT NOT NULL DEFAULT '',
	movement_type    TEXT NOT NULL,
	quantity_change  INT NOT NULL,
	quantity_before  INT NOT NULL,
	quantity_after   INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %[4]s (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %[5]s (
	name                 TEXT NOT NULL,
	producer             TEXT NOT NULL DEFAULT '',
	current_stock        INT NOT NULL DEFAULT 0,
	total_consumi        INT NOT NULL DEFAULT 0,
	total_rifornimenti   INT NOT NULL DEFAULT 0,
	entries              JSONB NOT NULL DEFAULT '[]',
	first_movement_at    TIMESTAMPTZ,
	last_movement_at     TIMESTAMPTZ,
	PRIMARY KEY (name, producer)
);
`, s.inventoryTable(tenantKey), s.snapshotTable(tenantKey), s.movementsTable(tenantKey), s.interactionTable(tenantKey), s.historyTable(tenantKey))

	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("store: provision tenant tables: %w", err)
	}
	return nil
}

// BatchInsertWines implements §4.H's batch_insert_wines: inserts rows in
// groups of at most batchSize, committing each batch independently so a
// failing batch does not lose prior progress.
func (s *Store) BatchInsertWines(ctx context.Context, tenantKey string, rows []*model.Wine, batchSize int) (savedCount, errorCount int, err error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	table := s.inventoryTable(tenantKey)

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		n, failed, berr := s.insertBatch(ctx, table, batch)
		savedCount += n
		if berr != nil {
			errorCount += len(batch) - n
		} else {
			errorCount += failed
		}
	}
	return savedCount, errorCount, nil
}

// insertBatch inserts rows one at a time inside a single transaction,
// each under its own savepoint, tallying per-row failures (e.g. a
// check-constraint violation slipping past validation) instead of
// silently dropping them: a failing row is rolled back alone, so the
// rest of the batch still commits and the caller gets an accurate
// error_count.
func (s *Store) insertBatch(ctx context.Context, table string, rows []*model.Wine) (saved, failed int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, w := range rows {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("store: begin row savepoint: %w", err)
		}
		_, err = sp.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (name, producer, supplier, vintage, grape_variety, region, country, type,
	classification, quantity, min_quantity, cost_price, selling_price, alcohol_content,
	description, notes, source_stage)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, table),
			w.Name, w.Producer, w.Supplier, w.Vintage, w.GrapeVariety, w.Region, w.Country, string(w.Type),
			w.Classification, w.Quantity, w.MinQuantity, decimalOrNil(w.CostPrice), decimalOrNil(w.SellingPrice), w.AlcoholContent,
			w.Description, w.Notes, w.SourceStage)
		if err != nil {
			_ = sp.Rollback(ctx)
			failed++
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return 0, 0, fmt.Errorf("store: release row savepoint: %w", err)
		}
		saved++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("store: commit batch: %w", err)
	}
	return saved, failed, nil
}

func decimalOrNil(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// Snapshot implements §4.H's snapshot(tenant): current rows plus facet
// aggregates over type, vintage, and producer.
type Snapshot struct {
	Wines  []*model.Wine
	Facets Facets
}

type Facets struct {
	ByType     map[string]int
	ByVintage  map[string]int
	ByProducer map[string]int
}

func (s *Store) Snapshot(ctx context.Context, tenantKey string) (Snapshot, error) {
	table := s.inventoryTable(tenantKey)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT wine_id, name, producer, supplier, vintage, grape_variety, region, country, type,
	classification, quantity, min_quantity, cost_price, selling_price, alcohol_content,
	description, notes, source_stage, created_at, updated_at
FROM %s ORDER BY wine_id`, table))
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: snapshot query: %w", err)
	}
	defer rows.Close()

	facets := Facets{ByType: map[string]int{}, ByVintage: map[string]int{}, ByProducer: map[string]int{}}
	var wines []*model.Wine
	for rows.Next() {
		w, err := scanWine(rows)
		if err != nil {
			return Snapshot{}, fmt.Errorf("store: scan wine: %w", err)
		}
		wines = append(wines, w)
		facets.ByType[string(w.Type)]++
		if w.Vintage != nil {
			facets.ByVintage[fmt.Sprintf("%d", *w.Vintage)]++
		}
		if w.Producer != "" {
			facets.ByProducer[w.Producer]++
		}
	}
	return Snapshot{Wines: wines, Facets: facets}, rows.Err()
}

func scanWine(rows pgx.Rows) (*model.Wine, error) {
	w := &model.Wine{}
	var costPrice, sellingPrice *string
	if err := rows.Scan(&w.WineID, &w.Name, &w.Producer, &w.Supplier, &w.Vintage, &w.GrapeVariety,
		&w.Region, &w.Country, &w.Type, &w.Classification, &w.Quantity, &w.MinQuantity,
		&costPrice, &sellingPrice, &w.AlcoholContent, &w.Description, &w.Notes, &w.SourceStage,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if costPrice != nil {
		if d, err := decimal.NewFromString(*costPrice); err == nil {
			w.CostPrice = &d
		}
	}
	if sellingPrice != nil {
		if d, err := decimal.NewFromString(*sellingPrice); err == nil {
			w.SellingPrice = &d
		}
	}
	return w, nil
}

// ReplaceAll implements §4.H's replace_mode: delete-before-insert.
func (s *Store) ReplaceAll(ctx context.Context, tenantKey string, rows []*model.Wine, batchSize int) (savedCount, errorCount int, err error) {
	table := s.inventoryTable(tenantKey)
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s", table)); err != nil {
		return 0, 0, fmt.Errorf("store: truncate for replace_mode: %w", err)
	}
	return s.BatchInsertWines(ctx, tenantKey, rows, batchSize)
}

// SnapshotBackup copies current inventory into the tenant's snapshot
// table on first load (spec §3: "an initial snapshot backup taken on
// first load"). A no-op if the snapshot table already has rows.
func (s *Store) SnapshotBackup(ctx context.Context, tenantKey string) error {
	inv := s.inventoryTable(tenantKey)
	snap := s.snapshotTable(tenantKey)
	var count int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", snap)).Scan(&count); err != nil {
		return fmt.Errorf("store: count snapshot: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s SELECT * FROM %s`, snap, inv))
	if err != nil {
		return fmt.Errorf("store: snapshot backup: %w", err)
	}
	return nil
}

// LogInteraction appends one row to the tenant's interaction log.
func (s *Store) LogInteraction(ctx context.Context, tenantKey, kind string, payload []byte) error {
	table := s.interactionTable(tenantKey)
	_, err := s.pool.Exec(ctx, fmt.Sprintf("INSERT INTO %s (kind, payload) VALUES ($1, $2)", table), kind, payload)
	if err != nil {
		return fmt.Errorf("store: log interaction: %w", err)
	}
	return nil
}
