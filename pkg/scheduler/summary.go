package scheduler

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"egress-runner/pkg/models"
	"egress-runner/pkg/rotation"
)

// Summary is the operator-facing account of a batch.
type Summary struct {
	BatchID    string
	Requested  int
	Completed  int
	Successful int
	Outcomes   map[models.Outcome]int
	Reasons    map[string]int
	StopReason string
	StartedAt  time.Time
	FinishedAt time.Time
	// Rotation is set when the batch used proxy rotation.
	Rotation *rotation.Stats
}

func newSummary(plan Plan) *Summary {
	return &Summary{
		BatchID:   plan.BatchID,
		Requested: plan.Count,
		Outcomes:  make(map[models.Outcome]int),
		Reasons:   make(map[string]int),
		StartedAt: time.Now(),
	}
}

// Summarize rebuilds the summary of a recorded batch. Rotation statistics are not
// part of the records and stay unset.
func Summarize(batchID string, records []models.RunRecord) *Summary {
	s := newSummary(Plan{BatchID: batchID, Count: len(records)})
	s.StartedAt = time.Time{}
	for _, rec := range records {
		if s.StartedAt.IsZero() || rec.StartedAt.Before(s.StartedAt) {
			s.StartedAt = rec.StartedAt
		}
		if rec.FinishedAt.After(s.FinishedAt) {
			s.FinishedAt = rec.FinishedAt
		}
		s.add(rec)
	}
	return s
}

func (s *Summary) add(rec models.RunRecord) {
	s.Completed++
	if rec.Success {
		s.Successful++
	}
	s.Outcomes[rec.Outcome]++
	s.Reasons[rec.Reason]++
}

// SuccessRate is the share of completed attempts that succeeded.
func (s *Summary) SuccessRate() float64 {
	if s.Completed == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Completed)
}

// Write renders the summary and, when rotation was used, the per-proxy and per-IP tables.
func (s *Summary) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s", s.BatchID)
	if s.StopReason != "" {
		fmt.Fprintf(&b, ": %s", s.StopReason)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "  requested:  %d\n", s.Requested)
	fmt.Fprintf(&b, "  completed:  %d\n", s.Completed)
	fmt.Fprintf(&b, "  successful: %d (%.1f%%)\n", s.Successful, 100*s.SuccessRate())
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "  elapsed:    %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	if len(s.Reasons) > 0 {
		b.WriteString("  reasons:\n")
		for _, reason := range sortedKeys(s.Reasons) {
			fmt.Fprintf(&b, "    %-28s %d\n", reason, s.Reasons[reason])
		}
	}
	if s.Rotation != nil {
		b.WriteByte('\n')
		b.WriteString(RotationReport(*s.Rotation))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RotationReport renders rotation statistics as tables.
func RotationReport(st rotation.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rotation (%s, max %d per IP): %d selections, %d cycles, %d unique IPs, %d at cap",
		st.Strategy, st.MaxPerIP, st.Selections, st.Cycles, st.UniqueIPs, st.IPsAtCap)
	if st.Unresolved > 0 {
		fmt.Fprintf(&b, ", %d unresolved", st.Unresolved)
	}
	b.WriteByte('\n')

	proxies := newTable("PROXY", "COUNTRY", "USES", "IPS", "STATUS")
	for _, p := range st.Proxies {
		status := "eligible"
		if p.Ineligible {
			status = "ip at cap"
		}
		proxies.Row(p.Label, p.Country, strconv.Itoa(p.Uses), strings.Join(p.IPs, ", "), status)
	}
	b.WriteString(proxies.String())
	b.WriteByte('\n')

	if len(st.IPs) > 0 {
		ips := newTable("IP", "USES", "AT CAP", "PROXIES")
		for _, ip := range st.IPs {
			ips.Row(ip.IP, strconv.Itoa(ip.Uses), strconv.FormatBool(ip.AtCap), strings.Join(ip.Labels, ", "))
		}
		b.WriteString(ips.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// cellStyle pads every cell. Without padding the table crops cells that fill their column.
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(_, _ int) lipgloss.Style { return cellStyle }).
		Headers(headers...)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
