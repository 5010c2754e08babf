package service

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/auth"
	"tokoledger/backend/internal/domain"
)

const topProductLimit = 5

// Overview summarises inventory value and sales history.
func (s *Service) Overview(ctx context.Context, sess auth.Session) (domain.Overview, error) {
	if err := sess.RequireAdmin(); err != nil {
		return domain.Overview{}, err
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.Overview{}, err
	}
	invoices, err := s.repo.ListInvoices(ctx, 0)
	if err != nil {
		return domain.Overview{}, err
	}
	return buildOverview(products, invoices, time.Now().UTC()), nil
}

func buildOverview(products []domain.Product, invoices []domain.Invoice, now time.Time) domain.Overview {
	out := domain.Overview{
		ProductCount:   len(products),
		StockValue:     decimal.Zero,
		StockCost:      decimal.Zero,
		DailyRevenue:   []domain.DailyRevenue{},
		GrossProfit:    decimal.Zero,
		TopProducts:    []domain.TopProduct{},
		InvoiceCount:   len(invoices),
		GeneratedAtUTC: now.Format(time.RFC3339),
	}

	for _, p := range products {
		if p.Stock <= 0 {
			continue
		}
		qty := decimal.NewFromInt(int64(p.Stock))
		out.StockValue = out.StockValue.Add(p.Price.Mul(qty))
		out.StockCost = out.StockCost.Add(p.CostPrice.Mul(qty))
	}

	revenueByDate := make(map[string]decimal.Decimal)
	sold := make(map[string]*domain.TopProduct)
	for _, inv := range invoices {
		date := inv.CreatedAt.UTC().Format("2006-01-02")
		revenueByDate[date] = revenueByDate[date].Add(inv.TotalAmount)

		for _, item := range inv.Items {
			qty := decimal.NewFromInt(int64(item.Quantity))
			out.GrossProfit = out.GrossProfit.Add(item.Price.Sub(item.CostPrice).Mul(qty))

			top, ok := sold[item.ProductID]
			if !ok {
				top = &domain.TopProduct{ProductID: item.ProductID, Name: item.Name}
				sold[item.ProductID] = top
			}
			top.Quantity += item.Quantity
		}
	}

	for date, revenue := range revenueByDate {
		out.DailyRevenue = append(out.DailyRevenue, domain.DailyRevenue{Date: date, Revenue: revenue})
	}
	sort.Slice(out.DailyRevenue, func(i, j int) bool {
		return out.DailyRevenue[i].Date < out.DailyRevenue[j].Date
	})

	for _, top := range sold {
		out.TopProducts = append(out.TopProducts, *top)
	}
	sort.Slice(out.TopProducts, func(i, j int) bool {
		a, b := out.TopProducts[i], out.TopProducts[j]
		if a.Quantity != b.Quantity {
			return a.Quantity > b.Quantity
		}
		return a.Name < b.Name
	})
	if len(out.TopProducts) > topProductLimit {
		out.TopProducts = out.TopProducts[:topProductLimit]
	}
	return out
}
