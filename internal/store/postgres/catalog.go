package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

const productColumns = `id, COALESCE(seller_id, ''), name, COALESCE(description, ''), COALESCE(category, ''), price, stock_quantity, created_at`

// ProductCatalog implements settlement.ProductCatalog.
type ProductCatalog struct {
	db DB
}

func scanProduct(row pgx.Row) (*settlement.Product, error) {
	var p settlement.Product
	err := row.Scan(&p.ID, &p.SellerID, &p.Name, &p.Description, &p.Category, &p.Price, &p.StockQuantity, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *ProductCatalog) Get(ctx context.Context, productID string) (*settlement.Product, error) {
	p, err := scanProduct(c.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		return nil, mapErr("get product", err)
	}
	return p, nil
}

func (c *ProductCatalog) List(ctx context.Context) ([]settlement.Product, error) {
	rows, err := c.db.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr("list products", err)
	}
	defer rows.Close()

	var out []settlement.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, mapErr("scan product", err)
		}
		out = append(out, *p)
	}
	return out, mapErr("list products", rows.Err())
}

func (c *ProductCatalog) Create(ctx context.Context, product *settlement.Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO products (id, seller_id, name, description, category, price, stock_quantity, created_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
	`, product.ID, product.SellerID, product.Name, product.Description, product.Category,
		product.Price, product.StockQuantity, product.CreatedAt)
	return mapErr("create product", err)
}
