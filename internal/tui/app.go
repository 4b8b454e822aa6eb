package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nickproject/uidscope/internal/aggregator"
)

// Config TUI 配置
type Config struct {
	Hostname      string
	KernelVersion string
	Interfaces    []string
	SessionID     string
	MaxRows       int // 0 表示按窗口高度

	// Stats 返回单个 UID 的当前统计，用于详情页的包大小分布
	Stats func(uid int32) *aggregator.SessionTrafficStats
}

type viewMode int

const (
	viewTable viewMode = iota
	viewDetail
	viewHelp
)

// Model TUI 模型
type Model struct {
	config      Config
	all         []aggregator.TrafficEntry
	entries     []aggregator.TrafficEntry
	sortMode    aggregator.SortMode
	paused      bool
	filterInput textinput.Model
	filtering   bool
	filterText  string
	selected    int
	view        viewMode
	detailUID   int32
	width       int
	height      int
	startTime   time.Time
	upRate      uint64
	downRate    uint64
	totalBytes  uint64
	entriesChan <-chan []aggregator.TrafficEntry
}

// 消息类型
type entriesMsg []aggregator.TrafficEntry

// New 创建 TUI 模型
func New(cfg Config, entriesChan <-chan []aggregator.TrafficEntry) Model {
	ti := textinput.New()
	ti.Placeholder = "应用名、包名或 UID..."
	ti.CharLimit = 50

	return Model{
		config:      cfg,
		sortMode:    aggregator.SortByRate,
		filterInput: ti,
		startTime:   time.Now(),
		entriesChan: entriesChan,
		width:       80,
		height:      24,
	}
}

// Init 初始化
func (m Model) Init() tea.Cmd {
	return waitForEntries(m.entriesChan)
}

func waitForEntries(ch <-chan []aggregator.TrafficEntry) tea.Cmd {
	return func() tea.Msg {
		entries, ok := <-ch
		if !ok {
			// 数据源结束（超时或退出信号）
			return tea.QuitMsg{}
		}
		return entriesMsg(entries)
	}
}

// Update 更新状态
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filtering {
			return m.handleFilterInput(msg)
		}
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case entriesMsg:
		if !m.paused {
			m.all = []aggregator.TrafficEntry(msg)
			m.refresh()
		}
		return m, waitForEntries(m.entriesChan)
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "q" || key == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.view {
	case viewHelp:
		m.view = viewTable
		return m, nil
	case viewDetail:
		if key == "esc" || key == "enter" || key == "backspace" {
			m.view = viewTable
		}
		return m, nil
	}

	switch key {
	case "s":
		m.sortMode = nextSortMode(m.sortMode)
		aggregator.Sort(m.entries, m.sortMode)
	case "p":
		m.paused = !m.paused
	case "/":
		m.filtering = true
		m.filterInput.Focus()
		return m, textinput.Blink
	case "?":
		m.view = viewHelp
	case "enter":
		if m.selected < len(m.entries) && m.config.Stats != nil {
			m.detailUID = m.entries[m.selected].UID
			m.view = viewDetail
		}
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.entries)-1 {
			m.selected++
		}
	case "home":
		m.selected = 0
	case "end":
		if len(m.entries) > 0 {
			m.selected = len(m.entries) - 1
		}
	}
	return m, nil
}

func (m Model) handleFilterInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.filterText = m.filterInput.Value()
		m.filtering = false
		m.filterInput.Blur()
		m.refresh()
	case "esc":
		m.filtering = false
		m.filterInput.Blur()
		m.filterInput.SetValue(m.filterText)
	default:
		var cmd tea.Cmd
		m.filterInput, cmd = m.filterInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func nextSortMode(mode aggregator.SortMode) aggregator.SortMode {
	return (mode + 1) % (aggregator.SortByPackets + 1)
}

// refresh 从最新一批条目重新过滤、排序并计算合计
func (m *Model) refresh() {
	m.entries = filterEntries(m.all, m.filterText)
	aggregator.Sort(m.entries, m.sortMode)

	m.upRate, m.downRate, m.totalBytes = 0, 0, 0
	for _, e := range m.entries {
		m.upRate += e.UplinkRate
		m.downRate += e.DownlinkRate
		m.totalBytes += e.TotalBytes
	}
	if m.selected >= len(m.entries) {
		m.selected = max(len(m.entries)-1, 0)
	}
}

func filterEntries(entries []aggregator.TrafficEntry, text string) []aggregator.TrafficEntry {
	out := make([]aggregator.TrafficEntry, 0, len(entries))
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, e := range entries {
		if needle == "" ||
			strings.Contains(strings.ToLower(e.Name), needle) ||
			strings.Contains(strings.ToLower(e.Package), needle) ||
			strconv.Itoa(int(e.UID)) == needle {
			out = append(out, e)
		}
	}
	return out
}

// View 渲染视图
func (m Model) View() string {
	switch m.view {
	case viewHelp:
		return m.renderHelp()
	case viewDetail:
		return m.renderDetail()
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTable())
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	runtime := time.Since(m.startTime).Round(time.Second)

	line1 := fmt.Sprintf(" uidscope | Host: %s | Kernel: %s | NICs: %s",
		m.config.Hostname,
		m.config.KernelVersion,
		strings.Join(m.config.Interfaces, ", "))
	if m.config.SessionID != "" {
		line1 += " | Session: " + TruncateString(m.config.SessionID, 8)
	}

	line2 := fmt.Sprintf(" Total: up %s  down %s | %s | Apps: %d | Runtime: %s",
		outRateStyle.Render(FormatRate(m.upRate)),
		inRateStyle.Render(FormatRate(m.downRate)),
		FormatBytes(m.totalBytes),
		len(m.entries),
		runtime)

	if m.paused {
		line2 += " [PAUSED]"
	}

	return titleStyle.Render(line1) + "\n" + headerStyle.Render(line2)
}

func (m Model) maxRows() int {
	rows := m.height - 8
	if rows < 1 {
		rows = 10
	}
	if m.config.MaxRows > 0 && m.config.MaxRows < rows {
		rows = m.config.MaxRows
	}
	return rows
}

func (m Model) renderTable() string {
	var b strings.Builder

	header := fmt.Sprintf(" %6s %-28s %12s %12s %10s %8s",
		"UID", "App", "Up Rate", "Down Rate", "Total", "Pkts")
	b.WriteString(tableHeaderStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", m.width))
	b.WriteString("\n")

	// 选中行始终可见
	rows := m.maxRows()
	start := 0
	if m.selected >= rows {
		start = m.selected - rows + 1
	}

	for i := start; i < len(m.entries) && i < start+rows; i++ {
		entry := m.entries[i]
		name := PadRight(TruncateString(entry.Name, 28), 28)
		if !entry.Resolved {
			name = unresolvedStyle.Render(name)
		}
		row := fmt.Sprintf(" %6d %s %12s %12s %10s %8d",
			entry.UID,
			name,
			outRateStyle.Render(FormatRate(entry.UplinkRate)),
			inRateStyle.Render(FormatRate(entry.DownlinkRate)),
			FormatBytes(entry.TotalBytes),
			entry.Packets)

		if i == m.selected {
			b.WriteString(selectedRowStyle.Render(row))
		} else {
			b.WriteString(tableRowStyle.Render(row))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) renderFooter() string {
	var footer string
	if m.filtering {
		footer = " Filter: " + m.filterInput.View()
	} else {
		footer = fmt.Sprintf(" [q]uit  [s]ort: %s  [p]ause  [/]filter  [enter]detail  [?]help",
			sortIndicatorStyle.Render(m.sortMode.String()))
		if m.filterText != "" {
			footer += fmt.Sprintf("  Filter: %s", m.filterText)
		}
	}

	return footerStyle.Render(footer)
}

func (m Model) renderDetail() string {
	var stats *aggregator.SessionTrafficStats
	if m.config.Stats != nil {
		stats = m.config.Stats(m.detailUID)
	}
	if stats == nil {
		return detailStyle.Render(fmt.Sprintf("UID %d 暂无数据\n\n按 Esc 返回", m.detailUID))
	}

	var b strings.Builder
	title := stats.Name()
	if stats.App != nil && stats.App.Package != "" {
		title += " (" + stats.App.Package + ")"
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("UID %d  %s", stats.UID, title)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "上行 %s  下行 %s  总计 %s  包数 %d  窗口 %d\n\n",
		outRateStyle.Render(FormatBytes(stats.UplinkBytes)),
		inRateStyle.Render(FormatBytes(stats.DownlinkBytes)),
		FormatBytes(stats.TotalBytes),
		stats.Packets,
		len(stats.Sizes))

	b.WriteString(tableHeaderStyle.Render("包大小分布 (最常见)"))
	b.WriteString("\n")
	b.WriteString(RenderHistogram(aggregator.Bins(stats.Histogram), m.width-24, m.height-10))
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(" [esc]返回  [q]uit"))
	return detailStyle.Render(b.String())
}

func (m Model) renderHelp() string {
	help := `
 uidscope 快捷键帮助

 导航:
   up/k     向上移动
   down/j   向下移动
   Home     跳到顶部
   End      跳到底部

 操作:
   s        切换排序模式 (速率 -> 总流量 -> 上行 -> 下行 -> 包数)
   p        暂停/恢复刷新
   /        按应用名、包名或 UID 过滤
   Enter    查看选中应用的包大小分布
   ?        显示/隐藏帮助

 退出:
   q        退出程序
   Ctrl+C   退出程序

 按任意键返回...
`
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(1, 2).
		Render(help)
}

// Run 运行 TUI
func Run(cfg Config, entriesChan <-chan []aggregator.TrafficEntry) error {
	p := tea.NewProgram(
		New(cfg, entriesChan),
		tea.WithAltScreen(),
	)

	_, err := p.Run()
	return err
}
