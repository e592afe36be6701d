package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/logger"
	"github.com/adamgarcia4/goLearning/antientropy/node"
	"github.com/adamgarcia4/goLearning/antientropy/repair"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

const interactiveTable = "demo.kv"

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start interactive node manager",
	Long: `Start an interactive terminal UI that runs replica nodes in-process.

Keyboard shortcuts:
  C - Create a new node
  D - Delete a node (shows selection menu)
  W - Write a random row to a random node
  R - Repair all nodes, coordinated by node 1
  I - Toggle incremental repair
  Q - Quit

Examples:
  antientropy interactive`,
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

type model struct {
	manager      *node.Manager
	nodes        []*node.Node
	statuses     []node.Status
	deleteMode   bool
	selected     int
	err          error
	logBuffer    *logger.LogBuffer
	logScroll    int // for scrolling logs
	width        int
	height       int
	lastCommand  string // Track last command for repeat (Enter key)
	numericInput string // Buffer for multi-digit numeric input in delete mode
	incremental  bool
	repairing    bool
	lastRepair   string
}

func initialModel() (model, error) {
	// Logs go to the buffer only; stdout belongs to the TUI.
	logBuffer := logger.GetGlobalLogBuffer()
	if err := logger.Init(logger.Options{Level: logLevel}); err != nil {
		return model{}, err
	}
	if err := logger.AddOutput(logger.NewLogBufferWriter(logBuffer)); err != nil {
		return model{}, err
	}

	return model{
		manager: node.NewManager(func(c *node.Config) {
			c.Tables = []string{interactiveTable}
		}),
		logBuffer: logBuffer,
	}, nil
}

func (m model) Init() tea.Cmd {
	// Refresh nodes list periodically
	return tea.Batch(tick(), refreshNodes(m.manager))
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

type tickMsg struct{}

func refreshNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		nodes := manager.GetNodes()
		statuses := make([]node.Status, len(nodes))
		for i, n := range nodes {
			statuses[i] = n.Status()
		}
		return nodesUpdatedMsg{nodes: nodes, statuses: statuses}
	}
}

type nodesUpdatedMsg struct {
	nodes    []*node.Node
	statuses []node.Status
}

type repairDoneMsg struct {
	result *repair.Result
	err    error
}

type shutdownCompleteMsg struct {
	err error
}

// shutdownNodes stops all nodes and sends a message when complete
func shutdownNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		err := manager.StopAll()
		return shutdownCompleteMsg{err: err}
	}
}

// repairAll repairs every managed node from the first one, off the UI loop.
func repairAll(manager *node.Manager, incremental bool) tea.Cmd {
	return func() tea.Msg {
		ref, err := storage.ParseTableRef(interactiveTable)
		if err != nil {
			return repairDoneMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		res, err := manager.Repair(ctx, 0, repair.Options{
			Keyspace:    ref.Keyspace,
			Tables:      []string{ref.Table},
			Ranges:      []dht.Range{dht.FullRing()},
			Incremental: incremental,
		})
		return repairDoneMsg{result: res, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Handle quit
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			// Stop all nodes gracefully and wait for completion
			return m, shutdownNodes(m.manager)
		}

		// Handle delete mode
		if m.deleteMode {
			return m.handleDeleteMode(msg)
		}

		switch msg.String() {
		case "c", "C":
			return m.runCommand("create")

		case "w", "W":
			return m.runCommand("write")

		case "r", "R":
			return m.runCommand("repair")

		case "i", "I":
			m.incremental = !m.incremental
			return m, nil

		case "d", "D":
			if len(m.nodes) == 0 {
				m.err = fmt.Errorf("no nodes to delete")
				return m, nil
			}
			m.deleteMode = true
			m.selected = 0
			m.numericInput = ""
			// lastCommand is set once a node is picked
			return m, nil

		case "enter":
			if m.lastCommand == "" {
				return m, nil
			}
			return m.runCommand(m.lastCommand)

		case "esc":
			m.err = nil
			return m, nil

		case "up", "k":
			// Scroll logs up (show older logs)
			maxScroll := len(m.logBuffer.GetAll()) - 15
			if maxScroll < 0 {
				maxScroll = 0
			}
			if m.logScroll < maxScroll {
				m.logScroll++
			}
			return m, nil

		case "down", "j":
			// Scroll logs down (show newer logs)
			if m.logScroll > 0 {
				m.logScroll--
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), refreshNodes(m.manager))

	case nodesUpdatedMsg:
		m.nodes = msg.nodes
		m.statuses = msg.statuses
		return m, nil

	case repairDoneMsg:
		m.repairing = false
		if msg.err != nil {
			m.err = msg.err
			m.lastRepair = "failed"
		} else {
			m.err = nil
			m.lastRepair = fmt.Sprintf("%s synced %d range(s)", msg.result.ParentSessionID, msg.result.SyncedRanges)
		}
		return m, refreshNodes(m.manager)

	case shutdownCompleteMsg:
		if msg.err != nil {
			log.Error().Err(msg.err).Msg("Error stopping nodes during shutdown")
		}
		return m, tea.Quit
	}

	return m, nil
}

// runCommand executes a repeatable command: "create", "write", "repair" or
// "delete:<index>".
func (m model) runCommand(command string) (tea.Model, tea.Cmd) {
	switch {
	case command == "create":
		if _, err := m.manager.CreateNode(); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil

	case command == "write":
		nodes := m.manager.GetNodes()
		if len(nodes) == 0 {
			m.err = fmt.Errorf("no nodes to write to")
			return m, nil
		}
		target := nodes[rand.IntN(len(nodes))]
		key := fmt.Sprintf("key-%04d", rand.IntN(10000))
		if err := target.Put(interactiveTable, key, []byte(time.Now().Format(time.RFC3339Nano))); err != nil {
			m.err = err
			return m, nil
		}
		log.Info().Str("node", target.GetConfig().NodeID).Str("key", key).Msg("Wrote row")
		m.err = nil

	case command == "repair":
		if len(m.manager.GetNodes()) < 2 {
			m.err = fmt.Errorf("repair needs at least two nodes")
			return m, nil
		}
		if m.repairing {
			m.err = fmt.Errorf("a repair is already running")
			return m, nil
		}
		m.lastCommand = command
		m.repairing = true
		m.err = nil
		return m, repairAll(m.manager, m.incremental)

	case strings.HasPrefix(command, "delete:"):
		index, err := strconv.Atoi(strings.TrimPrefix(command, "delete:"))
		if err != nil {
			return m, nil
		}
		if index < 0 || index >= len(m.nodes) {
			m.err = fmt.Errorf("node index %d no longer exists", index+1)
			return m, nil
		}
		if err := m.manager.DeleteNode(index); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil

	default:
		return m, nil
	}

	m.lastCommand = command
	m.nodes = m.manager.GetNodes()
	return m, refreshNodes(m.manager)
}

func (m model) handleDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.deleteMode = false
		m.selected = 0
		m.err = nil
		m.numericInput = ""
		return m, nil

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case "down", "j":
		if m.selected < len(m.nodes)-1 {
			m.selected++
		}
		return m, nil

	case "enter", " ":
		index := m.selected
		if m.numericInput != "" {
			input := m.numericInput
			m.numericInput = ""
			num, err := strconv.Atoi(input)
			if err != nil || num < 1 || num > len(m.nodes) {
				m.err = fmt.Errorf("node %s does not exist (max: %d)", input, len(m.nodes))
				return m, nil
			}
			index = num - 1
		}
		m.deleteMode = false
		m.selected = 0
		return m.runCommand(fmt.Sprintf("delete:%d", index))

	default:
		key := msg.String()
		if len(key) == 1 && key >= "0" && key <= "9" {
			m.numericInput += key
			if m.err != nil && strings.Contains(m.err.Error(), "does not exist") {
				m.err = nil
			}
			return m, nil
		}
		m.numericInput = ""
		return m, nil
	}
}

func (m model) View() string {
	var s strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Padding(1, 2)
	s.WriteString(titleStyle.Render("Anti-Entropy Repair"))
	s.WriteString("\n\n")

	if m.err != nil {
		errorStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
	}

	mode := "full"
	if m.incremental {
		mode = "incremental"
	}
	repairLine := fmt.Sprintf("Repair mode: %s", mode)
	if m.repairing {
		repairLine += " | repair running..."
	} else if m.lastRepair != "" {
		repairLine += " | last repair: " + m.lastRepair
	}
	s.WriteString(repairLine + "\n\n")

	if len(m.nodes) == 0 {
		s.WriteString("No nodes running.\n\n")
	} else {
		s.WriteString("Running Nodes:\n\n")
		for i, n := range m.nodes {
			status, ok := m.status(i)
			line := nodeLine(n, status, ok)
			if m.deleteMode && i == m.selected {
				nodeStyle := lipgloss.NewStyle().
					PaddingLeft(2).
					Foreground(lipgloss.Color("196")).
					Bold(true)
				s.WriteString(nodeStyle.Render(fmt.Sprintf("[%d] > %s", i+1, line)))
				s.WriteString("\n")
			} else {
				s.WriteString(fmt.Sprintf("  [%d]   %s\n", i+1, line))
			}
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(m.renderLogs())
	s.WriteString("\n\n")

	instructionsStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true).
		PaddingTop(1)

	if m.deleteMode {
		helpText := fmt.Sprintf("DELETE MODE: Use ↑/↓/j/k or type node number (1-%d), Enter to confirm, Esc to cancel", len(m.nodes))
		if m.numericInput != "" {
			helpText = fmt.Sprintf("DELETE MODE: Type node number (current: %s) or Enter to confirm, Esc to cancel", m.numericInput)
		}
		s.WriteString(instructionsStyle.Render(helpText))
	} else {
		instructionText := "C create | D delete | W write | R repair | I incremental"
		if m.lastCommand != "" {
			instructionText += fmt.Sprintf(" | Enter to repeat (%s)", formatCommandPreview(m.lastCommand))
		}
		instructionText += " | ↑/↓/j/k scroll logs | Q quit"
		s.WriteString(instructionsStyle.Render(instructionText))
	}

	return s.String()
}

func (m model) status(i int) (node.Status, bool) {
	if i >= len(m.statuses) {
		return node.Status{}, false
	}
	return m.statuses[i], true
}

func nodeLine(n *node.Node, status node.Status, ok bool) string {
	config := n.GetConfig()
	line := fmt.Sprintf("%s (port: %s)", config.NodeID, config.Port)
	if !ok {
		return line
	}
	line += fmt.Sprintf("  rows: %d  segments: %d  repaired: %d  sessions: %d",
		status.Rows, status.Segments, status.Repaired, len(status.ParentSessions))
	for _, active := range status.ActiveRepairs {
		line += fmt.Sprintf("  [%s]", active.Phase)
	}
	return line
}

// renderLogs shows the newest 15 entries first, shifted back by logScroll.
func (m model) renderLogs() string {
	const logCount = 15

	allEntries := m.logBuffer.GetAll()
	total := len(allEntries)

	var logLines []string
	if total == 0 {
		logLines = []string{"     | (no logs yet)"}
	} else {
		end := total - m.logScroll
		if end < 0 {
			end = 0
		}
		start := end - logCount
		if start < 0 {
			start = 0
		}
		// Line 0 is the newest entry in the buffer.
		for i := end - 1; i >= start; i-- {
			logLines = append(logLines, fmt.Sprintf("%4d | %s", total-1-i, logger.FormatLogEntry(allEntries[i])))
		}
	}

	boxWidth := 100
	if m.width > 0 {
		boxWidth = m.width - 4
	}

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(13).
		Width(boxWidth)

	return logStyle.Render("Logs:\n" + strings.Join(logLines, "\n"))
}

// formatCommandPreview formats the last command for display
func formatCommandPreview(lastCommand string) string {
	switch {
	case strings.HasPrefix(lastCommand, "delete:"):
		if index, err := strconv.Atoi(strings.TrimPrefix(lastCommand, "delete:")); err == nil {
			return fmt.Sprintf("D → %d", index+1)
		}
		return "D → [node]"
	case lastCommand == "create":
		return "C"
	case lastCommand == "write":
		return "W"
	case lastCommand == "repair":
		return "R"
	}
	return lastCommand
}

func runInteractive(cmd *cobra.Command, args []string) error {
	m, err := initialModel()
	if err != nil {
		return err
	}
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running interactive mode: %w", err)
	}
	return nil
}
