package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

// Console implementa ports.Notifier escribiendo una tabla de estado.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Notify imprime el estado de los mercados supervisados.
func (c *Console) Notify(_ context.Context, statuses []domain.MarketStatus) error {
	if len(statuses) == 0 {
		fmt.Fprintf(c.out, "[%s] no markets supervised\n", time.Now().Format("15:04:05"))
		return nil
	}

	if c.table {
		c.printTable(statuses)
	} else {
		c.printCompact(statuses)
	}
	return nil
}

// printCompact imprime lo esencial en una línea.
func (c *Console) printCompact(statuses []domain.MarketStatus) {
	now := time.Now().Format("15:04:05")

	var alloc float64
	quoting, exposed := 0, 0
	for _, st := range statuses {
		alloc += st.Allocated
		switch st.State {
		case domain.RiskNeutral:
			quoting++
		default:
			exposed++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d mkts → quoting:%d derisking:%d alloc:$%.2f",
		now, len(statuses), quoting, exposed, alloc)

	shown := 0
	for _, st := range statuses {
		if shown >= 4 {
			break
		}
		name := domain.TruncateQuestion(st.Market.Question, st.Market.ConditionID, 25)
		fmt.Fprintf(&sb, " | %s %s pos:%.1f", name, st.State, st.Position.Quantity)
		shown++
	}

	fmt.Fprintln(c.out, sb.String())
}

// printTable imprime la tabla completa de estado por mercado.
func (c *Console) printTable(statuses []domain.MarketStatus) {
	now := time.Now().Format("15:04:05")
	fmt.Fprintf(c.out, "\n[%s] %d supervised markets\n", now, len(statuses))

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market", "Tier", "State", "Policy", "Fair", "Legs", "Pos", "AvgCost", "Alloc$", "Flags")

	for i, st := range statuses {
		label := domain.TruncateQuestion(st.Market.Question, st.Market.ConditionID, 30)

		fair := fmt.Sprintf("%.3f", st.Market.FairPrice)
		if st.Market.FairStale {
			fair += "*"
		}

		var flags []string
		if st.Paused {
			flags = append(flags, "PAUSED")
		}
		if st.Market.FairStale {
			flags = append(flags, "STALE")
		}

		table.Append(
			fmt.Sprintf("%d", i+1),
			label,
			string(st.Market.Tier),
			string(st.State),
			string(st.Policy),
			fair,
			fmt.Sprintf("%d", len(openLegs(st.Ladder))),
			fmt.Sprintf("%.2f", st.Position.Quantity),
			fmt.Sprintf("%.3f", st.Position.AvgCost),
			fmt.Sprintf("%.2f", st.Allocated),
			strings.Join(flags, ","),
		)
	}

	table.Render()

	fmt.Fprintln(c.out, "  Fair* = estimación stale (solo liquidez, ladder ensanchado)")
	fmt.Fprintln(c.out, "  Pos/AvgCost = posición viva del ciclo de de-risk actual")
}

func openLegs(l domain.Ladder) []domain.OrderLeg {
	var open []domain.OrderLeg
	for _, leg := range l.Legs {
		if leg.Status.Open() {
			open = append(open, leg)
		}
	}
	return open
}
