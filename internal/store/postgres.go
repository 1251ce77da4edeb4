package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"product-importer/internal/models"
)

// insertBatchSize bounds how many rows a single INSERT statement carries.
const insertBatchSize = 200

// ErrDuplicateSKU is returned when a create or update would collide with an
// existing product's SKU.
var ErrDuplicateSKU = errors.New("product with this SKU already exists")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres. minConns should be sized at
// least as large as the chunk worker concurrency so parallel chunk
// transactions never starve each other.
func New(ctx context.Context, dsn string, minConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
		if cfg.MaxConns < int32(minConns) {
			cfg.MaxConns = int32(minConns)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateProductParams collects inputs to insert a single product.
type CreateProductParams struct {
	SKU         string
	Name        string
	Description *string
}

// CreateProduct inserts one product with active=true.
func (s *Store) CreateProduct(ctx context.Context, p CreateProductParams) (models.Product, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO products (sku, name, description, active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW(), NOW())
		ON CONFLICT (sku) DO NOTHING
		RETURNING id, sku, name, description, active, created_at, updated_at
	`, p.SKU, p.Name, p.Description)
	prod, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, ErrDuplicateSKU
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return prod, nil
}

// GetProduct fetches a product by id.
func (s *Store) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sku, name, description, active, created_at, updated_at
		FROM products WHERE id = $1
	`, id)
	prod, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, ErrNotFound
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("get product: %w", err)
	}
	return prod, nil
}

// ListProductsParams carries optional ILIKE filters and pagination.
type ListProductsParams struct {
	SKU         string
	Name        string
	Description string
	Active      *bool
	Offset      int
	Limit       int
}

// ListProducts returns a filtered, paginated page of products.
func (s *Store) ListProducts(ctx context.Context, p ListProductsParams) ([]models.Product, error) {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if p.SKU != "" {
		add("sku ILIKE $%d", "%"+p.SKU+"%")
	}
	if p.Name != "" {
		add("name ILIKE $%d", "%"+p.Name+"%")
	}
	if p.Description != "" {
		add("description ILIKE $%d", "%"+p.Description+"%")
	}
	if p.Active != nil {
		add("active = $%d", *p.Active)
	}
	query := `SELECT id, sku, name, description, active, created_at, updated_at FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, p.Limit)
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	args = append(args, p.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		prod, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, prod)
	}
	return out, rows.Err()
}

// UpdateProductParams carries optional field updates; nil means unchanged.
type UpdateProductParams struct {
	SKU         *string
	Name        *string
	Description *string
	Active      *bool
}

// UpdateProduct applies non-nil fields to an existing product.
func (s *Store) UpdateProduct(ctx context.Context, id int64, p UpdateProductParams) (models.Product, error) {
	if p.SKU != nil {
		var existingID int64
		err := s.pool.QueryRow(ctx, `SELECT id FROM products WHERE sku = $1 AND id <> $2`, *p.SKU, id).Scan(&existingID)
		if err == nil {
			return models.Product{}, ErrDuplicateSKU
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Product{}, fmt.Errorf("check sku: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE products SET
			sku = COALESCE($2, sku),
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			active = COALESCE($5, active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, sku, name, description, active, created_at, updated_at
	`, id, p.SKU, p.Name, p.Description, p.Active)
	prod, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, ErrNotFound
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("update product: %w", err)
	}
	return prod, nil
}

// DeleteProduct removes a product by id.
func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllProducts truncates the catalog.
func (s *Store) DeleteAllProducts(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM products`)
	return err
}

// ApplyChunk upserts one deduplicated chunk in a single transaction: bulk
// select by SKU, in-place updates for matches, batched inserts for the
// rest. Import updates touch name and description only; active is never
// modified by an import. The transaction either fully commits or leaves
// nothing behind; callers classify the returned error and decide whether
// to retry.
func (s *Store) ApplyChunk(ctx context.Context, rows []models.NormalizedRow) (created, updated int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	skus := make([]string, len(rows))
	for i, r := range rows {
		skus[i] = r.SKU
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	existing := make(map[string]struct{}, len(rows))
	res, err := tx.Query(ctx, `SELECT sku FROM products WHERE sku = ANY($1)`, skus)
	if err != nil {
		return 0, 0, fmt.Errorf("select existing: %w", err)
	}
	for res.Next() {
		var sku string
		if err := res.Scan(&sku); err != nil {
			res.Close()
			return 0, 0, fmt.Errorf("scan sku: %w", err)
		}
		existing[sku] = struct{}{}
	}
	res.Close()
	if err := res.Err(); err != nil {
		return 0, 0, fmt.Errorf("select existing: %w", err)
	}

	var toCreate []models.NormalizedRow
	batch := &pgx.Batch{}
	for _, r := range rows {
		if _, ok := existing[r.SKU]; ok {
			batch.Queue(`
				UPDATE products SET name = $2, description = $3, updated_at = NOW()
				WHERE sku = $1
			`, r.SKU, r.Name, nilIfEmpty(r.Description))
			updated++
		} else {
			toCreate = append(toCreate, r)
			created++
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, 0, fmt.Errorf("update batch: %w", err)
		}
	}

	for start := 0; start < len(toCreate); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(toCreate) {
			end = len(toCreate)
		}
		if err := insertProducts(ctx, tx, toCreate[start:end]); err != nil {
			return 0, 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit chunk: %w", err)
	}
	return created, updated, nil
}

// insertProducts issues one multi-row INSERT for up to insertBatchSize rows.
func insertProducts(ctx context.Context, tx pgx.Tx, rows []models.NormalizedRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO products (sku, name, description, active, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(rows)*3)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, TRUE, NOW(), NOW())", n+1, n+2, n+3)
		args = append(args, r.SKU, r.Name, nilIfEmpty(r.Description))
	}
	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (models.Product, error) {
	var prod models.Product
	var desc pgtype.Text
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&prod.ID, &prod.SKU, &prod.Name, &desc, &prod.Active, &createdAt, &updatedAt); err != nil {
		return models.Product{}, err
	}
	if desc.Valid {
		prod.Description = &desc.String
	}
	prod.CreatedAt = createdAt.Time
	prod.UpdatedAt = updatedAt.Time
	return prod, nil
}
