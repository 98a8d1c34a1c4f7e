package domain

import (
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/shopspring/decimal"
)

// Product is the slice of the catalog row the saga locks and reserves.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
	Stock int64
}

func (p *Product) EnsureStock(quantity int32) error {
	if int64(quantity) > p.Stock {
		return apperr.Validation("insufficient stock for product %d: have %d, want %d", p.ID, p.Stock, quantity)
	}

	return nil
}

func (p *Product) DecreaseStock(quantity int32) error {
	if err := p.EnsureStock(quantity); err != nil {
		return err
	}

	p.Stock -= int64(quantity)

	return nil
}
