package view

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"opticbook/internal/domain"
)

const cellWidth = 18

var (
	colorMuted   = lipgloss.Color("#666666")
	colorSubtle  = lipgloss.Color("#414868")
	colorWarning = lipgloss.Color("#F39C12")
	colorSuccess = lipgloss.Color("#2ECC71")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMuted)

	timeStyle = lipgloss.NewStyle().
			Width(7).
			Foreground(colorMuted)

	cellStyle = lipgloss.NewStyle().
			Width(cellWidth).
			MaxWidth(cellWidth).
			PaddingRight(1)

	freeStyle    = cellStyle.Foreground(colorSubtle)
	addStyle     = cellStyle.Foreground(colorSuccess)
	busyStyle    = cellStyle.Foreground(colorWarning)
	blockedStyle = cellStyle.Foreground(colorSubtle).Faint(true)

	closedStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(colorMuted).
			Padding(1, 2)
)

// RenderDay draws the grid with one column per store, each headed in the
// store's color.
func RenderDay(d Day) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s  %s", d.Date, weekdayNames[d.Weekday])))
	b.WriteString("\n")
	if d.Closed {
		b.WriteString(closedStyle.Render("Fechado"))
		return b.String()
	}

	colors := make(map[int64]lipgloss.Color, len(d.Stores))
	header := []string{timeStyle.Render("Hora")}
	for _, st := range d.Stores {
		colors[st.ID] = lipgloss.Color(st.Color)
		header = append(header, cellStyle.Bold(true).Foreground(colors[st.ID]).Render(st.Name))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, header...))
	b.WriteString("\n")

	for _, sec := range d.Sections {
		b.WriteString(sectionStyle.Render(sec.Label))
		b.WriteString("\n")
		for _, row := range sec.Rows {
			line := []string{timeStyle.Render(row.Time)}
			for _, c := range row.Cells {
				line = append(line, renderCell(c, colors[c.StoreID]))
			}
			b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, line...))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderCell(c Cell, color lipgloss.Color) string {
	switch c.State {
	case CellBooked:
		return cellStyle.Foreground(color).Render(label(*c.Appointment))
	case CellBusy:
		return busyStyle.Render("ocupado")
	case CellBlocked:
		return blockedStyle.Render("-")
	default:
		if c.Bookable {
			return addStyle.Render("+")
		}
		return freeStyle.Render(".")
	}
}

func label(a domain.Appointment) string {
	name := a.ClientName
	if a.LocalOnly {
		name = "* " + name
	}
	return name
}

// RenderList prints appointments one per line.
func RenderList(appts []domain.Appointment) string {
	if len(appts) == 0 {
		return closedStyle.Render("Nenhum agendamento")
	}
	var b strings.Builder
	for _, a := range appts {
		fmt.Fprintf(&b, "%d  %s %s  %-8s  %-20s  %s", a.ID, a.Date, a.Time, a.StoreName, a.ClientName, FormatPhone(a.ClientPhone))
		if a.Notes != "" {
			fmt.Fprintf(&b, "  (%s)", a.Notes)
		}
		if a.LocalOnly {
			b.WriteString("  [local]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderMonth prints the month overview, marking full days.
func RenderMonth(days []MonthDay) string {
	var b strings.Builder
	for _, d := range days {
		mark := ""
		if d.Full {
			mark = busyStyle.UnsetWidth().Render(" lotado")
		}
		fmt.Fprintf(&b, "%s  %3d%s\n", d.Date, d.Count, mark)
	}
	return b.String()
}

var weekdayNames = [7]string{
	time.Sunday:    "Domingo",
	time.Monday:    "Segunda-feira",
	time.Tuesday:   "Terça-feira",
	time.Wednesday: "Quarta-feira",
	time.Thursday:  "Quinta-feira",
	time.Friday:    "Sexta-feira",
	time.Saturday:  "Sábado",
}
