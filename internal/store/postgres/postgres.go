package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// New opens the pool, checks connectivity and applies pending migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const unitColumns = `
	u.id, u.product_id, u.variant_id, u.sku, u.name, u.image_url, u.attributes,
	u.unit_price, COALESCE(st.qty, 0), COALESCE(st.tracked, false)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (domain.SellableUnit, error) {
	var (
		unit  domain.SellableUnit
		attrs []byte
	)
	if err := row.Scan(&unit.ID, &unit.ProductID, &unit.VariantID, &unit.SKU, &unit.Name, &unit.ImageURL, &attrs,
		&unit.UnitPrice, &unit.AvailableQty, &unit.TracksInventory); err != nil {
		return domain.SellableUnit{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &unit.Attributes); err != nil {
			return domain.SellableUnit{}, fmt.Errorf("decode attributes of %s: %w", unit.ID, err)
		}
		if len(unit.Attributes) == 0 {
			unit.Attributes = nil
		}
	}
	return unit, nil
}

func (s *Store) GetUnit(ctx context.Context, unitID string) (domain.SellableUnit, error) {
	unit, err := scanUnit(s.db.QueryRowContext(ctx, `
		SELECT `+unitColumns+`
		FROM units u
		LEFT JOIN stock st ON st.unit_id = u.id
		WHERE u.id = $1
	`, unitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SellableUnit{}, store.ErrNotFound
		}
		return domain.SellableUnit{}, err
	}
	return unit, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]domain.SellableUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM units u
		LEFT JOIN stock st ON st.unit_id = u.id
		ORDER BY u.sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := make([]domain.SellableUnit, 0, 64)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

// PutUnit upserts a unit and its stock row in one transaction.
func (s *Store) PutUnit(ctx context.Context, unit domain.SellableUnit) error {
	if unit.ID == "" {
		unit.ID = domain.UnitKey(unit.ProductID, unit.VariantID)
	}
	if unit.ID == "" || unit.SKU == "" || unit.AvailableQty < 0 {
		return store.ErrInvalidRecord
	}
	attrs, err := json.Marshal(unit.Attributes)
	if err != nil {
		return err
	}
	if unit.Attributes == nil {
		attrs = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO units (id, product_id, variant_id, sku, name, image_url, attributes, unit_price, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET product_id = EXCLUDED.product_id, variant_id = EXCLUDED.variant_id, sku = EXCLUDED.sku,
			name = EXCLUDED.name, image_url = EXCLUDED.image_url, attributes = EXCLUDED.attributes,
			unit_price = EXCLUDED.unit_price, updated_at = now()
	`, unit.ID, unit.ProductID, unit.VariantID, unit.SKU, unit.Name, unit.ImageURL, attrs, unit.UnitPrice); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock (unit_id, qty, tracked, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (unit_id) DO UPDATE
		SET qty = EXCLUDED.qty, tracked = EXCLUDED.tracked, updated_at = now()
	`, unit.ID, unit.AvailableQty, unit.TracksInventory); err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

func (s *Store) StockLevel(ctx context.Context, unitID string) (int, bool, error) {
	var (
		qty     int
		tracked bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT qty, tracked FROM stock WHERE unit_id = $1`, unitID).Scan(&qty, &tracked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, store.ErrNotFound
		}
		return 0, false, err
	}
	return qty, tracked, nil
}

// DebitStock is a single conditional update. When no row matches, a second
// read tells a missing unit apart from one that is short.
func (s *Store) DebitStock(ctx context.Context, unitID string, qty int) (int, error) {
	var left int
	err := s.db.QueryRowContext(ctx, `
		UPDATE stock
		SET qty = CASE WHEN tracked THEN qty - $2 ELSE qty END, updated_at = now()
		WHERE unit_id = $1 AND (NOT tracked OR qty >= $2)
		RETURNING qty
	`, unitID, qty).Scan(&left)
	if err == nil {
		return left, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError(err)
	}

	current, _, err := s.StockLevel(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return current, store.ErrInsufficientStock
}

func (s *Store) CreditStock(ctx context.Context, unitID string, qty int) (int, error) {
	var left int
	err := s.db.QueryRowContext(ctx, `
		UPDATE stock
		SET qty = CASE WHEN tracked THEN qty + $2 ELSE qty END, updated_at = now()
		WHERE unit_id = $1
		RETURNING qty
	`, unitID, qty).Scan(&left)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, mapError(err)
	}
	return left, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, store_id, terminal_id, operator_id, operator_username, operator_role,
			idempotency_key, subtotal, tax, total, cash_received, change_due, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.ID, sale.StoreID, sale.TerminalID, sale.Operator.ID, sale.Operator.Username, sale.Operator.Role,
		nullIfEmpty(sale.IdempotencyKey), sale.Subtotal, sale.Tax, sale.Total, nullDecimal(sale.CashReceived),
		sale.Change, sale.CreatedAt); err != nil {
		return mapError(err)
	}

	for i, line := range sale.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, position, line_id, unit_id, sku, name, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, sale.ID, i, line.LineID, line.UnitID, line.SKU, line.Name, line.Quantity, line.UnitPrice, line.Subtotal); err != nil {
			return mapError(err)
		}
	}
	for i, tender := range sale.Tenders {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_tenders (sale_id, position, method, amount, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, i, tender.Method, tender.Amount, tender.Reference); err != nil {
			return mapError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	return s.findSale(ctx, "id", saleID)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error) {
	if key == "" {
		return domain.Sale{}, store.ErrNotFound
	}
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (domain.Sale, error) {
	var (
		sale           domain.Sale
		idempotencyKey sql.NullString
		cashReceived   decimal.NullDecimal
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, terminal_id, operator_id, operator_username, operator_role,
			idempotency_key, subtotal, tax, total, cash_received, change_due, created_at
		FROM sales
		WHERE `+column+` = $1
	`, value).Scan(
		&sale.ID,
		&sale.StoreID,
		&sale.TerminalID,
		&sale.Operator.ID,
		&sale.Operator.Username,
		&sale.Operator.Role,
		&idempotencyKey,
		&sale.Subtotal,
		&sale.Tax,
		&sale.Total,
		&cashReceived,
		&sale.Change,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Sale{}, store.ErrNotFound
		}
		return domain.Sale{}, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if idempotencyKey.Valid {
		sale.IdempotencyKey = idempotencyKey.String
	}
	if cashReceived.Valid {
		v := cashReceived.Decimal
		sale.CashReceived = &v
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT line_id, unit_id, sku, name, quantity, unit_price, subtotal
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return domain.Sale{}, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var line domain.SaleLine
		if err := lineRows.Scan(&line.LineID, &line.UnitID, &line.SKU, &line.Name, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return domain.Sale{}, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return domain.Sale{}, err
	}

	tenderRows, err := s.db.QueryContext(ctx, `
		SELECT method, amount, reference
		FROM sale_tenders
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return domain.Sale{}, err
	}
	defer tenderRows.Close()
	for tenderRows.Next() {
		var tender domain.Tender
		if err := tenderRows.Scan(&tender.Method, &tender.Amount, &tender.Reference); err != nil {
			return domain.Sale{}, err
		}
		sale.Tenders = append(sale.Tenders, tender)
	}
	if err := tenderRows.Err(); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// SaveReceipt keeps the first body written for a sale. Every caller gets
// that body back, so reprints are identical.
func (s *Store) SaveReceipt(ctx context.Context, receipt domain.Receipt) (domain.Receipt, error) {
	if receipt.SaleID == "" || receipt.Number == "" {
		return domain.Receipt{}, store.ErrInvalidRecord
	}
	body, err := json.Marshal(receipt)
	if err != nil {
		return domain.Receipt{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (sale_id, number, body, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (sale_id) DO NOTHING
	`, receipt.SaleID, receipt.Number, body); err != nil {
		return domain.Receipt{}, mapError(err)
	}
	return s.GetReceiptBySale(ctx, receipt.SaleID)
}

func (s *Store) GetReceiptBySale(ctx context.Context, saleID string) (domain.Receipt, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM receipts WHERE sale_id = $1`, saleID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Receipt{}, store.ErrNotFound
		}
		return domain.Receipt{}, err
	}
	var receipt domain.Receipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return domain.Receipt{}, fmt.Errorf("decode receipt of %s: %w", saleID, err)
	}
	return receipt, nil
}

const parkedColumns = `id, store_id, terminal_id, staff_id, staff_name, customer_name, customer_phone,
	note, lines, created_at, expires_at`

func scanParked(row rowScanner) (domain.ParkedCart, error) {
	var (
		parked    domain.ParkedCart
		linesRaw  []byte
		expiresAt sql.NullTime
	)
	if err := row.Scan(
		&parked.ID,
		&parked.StoreID,
		&parked.TerminalID,
		&parked.StaffID,
		&parked.StaffName,
		&parked.CustomerName,
		&parked.CustomerPhone,
		&parked.Note,
		&linesRaw,
		&parked.CreatedAt,
		&expiresAt,
	); err != nil {
		return domain.ParkedCart{}, err
	}
	parked.CreatedAt = parked.CreatedAt.UTC()
	if expiresAt.Valid {
		parked.ExpiresAt = expiresAt.Time.UTC()
	}
	if err := json.Unmarshal(linesRaw, &parked.Lines); err != nil {
		return domain.ParkedCart{}, fmt.Errorf("decode lines of %s: %w", parked.ID, err)
	}
	return parked, nil
}

func (s *Store) CreateParkedCart(ctx context.Context, parked domain.ParkedCart) error {
	if parked.ID == "" || len(parked.Lines) == 0 {
		return store.ErrInvalidRecord
	}
	linesJSON, err := json.Marshal(parked.Lines)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parked_carts (`+parkedColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, parked.ID, parked.StoreID, parked.TerminalID, parked.StaffID, parked.StaffName, parked.CustomerName,
		parked.CustomerPhone, parked.Note, linesJSON, parked.CreatedAt, nullTime(parked.ExpiresAt))
	if err != nil {
		return mapError(err)
	}
	return nil
}

// PopParkedCart deletes and returns the row in one statement; of two
// concurrent pops only one sees the row.
func (s *Store) PopParkedCart(ctx context.Context, parkedID string) (domain.ParkedCart, error) {
	parked, err := scanParked(s.db.QueryRowContext(ctx, `
		DELETE FROM parked_carts
		WHERE id = $1
		RETURNING `+parkedColumns, parkedID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ParkedCart{}, store.ErrNotFound
		}
		return domain.ParkedCart{}, err
	}
	return parked, nil
}

func (s *Store) ListParkedCarts(ctx context.Context, storeID string, terminalID string, limit int) ([]domain.ParkedCart, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+parkedColumns+`
		FROM parked_carts
		WHERE ($1 = '' OR store_id = $1) AND ($2 = '' OR terminal_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, storeID, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ParkedCart, 0, 16)
	for rows.Next() {
		parked, err := scanParked(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, parked)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DeleteParkedCart(ctx context.Context, parkedID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM parked_carts WHERE id = $1`, parkedID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteParkedCartsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM parked_carts
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// mapError translates constraint violations into store sentinels. Anything
// else is returned as is and treated as a storage failure upstream.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
	case pgerrcode.CheckViolation:
		if pgErr.TableName == "stock" {
			return store.ErrInsufficientStock
		}
		return fmt.Errorf("%w: %s", store.ErrInvalidRecord, pgErr.ConstraintName)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
