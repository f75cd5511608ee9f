// Package reporter renders operator-facing tables for the running fleet
// and per-bot trade history.
package reporter

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"

	"github.com/desu777/stockstorm/internal/models"
)

// FleetTable renders one row per bot: status, capital and ladder usage.
func FleetTable(states []*models.BotState) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Symbol", "Status", "Capital", "Levels", "Held", "Last Price"})

	for _, st := range states {
		t.AppendRow(table.Row{
			st.ID,
			st.Symbol,
			st.Status,
			st.Capital.StringFixed(2),
			len(st.Levels),
			len(st.HeldLevels()),
			st.LastPrice.String(),
		})
	}
	return t.Render()
}

// TradeReport renders a bot's ledger with a realized-profit total.
func TradeReport(botID string, trades []*models.Trade) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Trades for " + botID)
	t.AppendHeader(table.Row{"Level", "Open", "Close", "Volume", "Profit", "Status", "Opened At"})

	total := decimal.Zero
	for _, tr := range trades {
		closePrice := "-"
		profit := "-"
		if tr.Status == models.TradeSold {
			closePrice = tr.ClosePrice.String()
			profit = tr.Profit.StringFixed(2)
			total = total.Add(tr.Profit)
		}
		t.AppendRow(table.Row{
			tr.Level,
			tr.OpenPrice.String(),
			closePrice,
			tr.OpenVolume.String(),
			profit,
			tr.Status,
			tr.OpenedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", total.StringFixed(2), "", ""})
	return t.Render()
}
