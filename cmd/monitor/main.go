package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"missionlab/internal/domain"
)

type embeddedServer struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "missiond base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start missiond serve for the lifetime of the monitor")
	serverBinary := flag.String("missiond-bin", "", "path to the missiond binary (embedded mode)")
	configPath := flag.String("config", "", "config file passed to the embedded server")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedServer(*addr, *serverBinary, *configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded missiond: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "missiond health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	missionsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	missionsTable.SetTitle("Missions (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	executionsView := tview.NewTextView().SetWrap(false)
	executionsView.SetTitle("Executions").SetBorder(true)

	agentStateView := tview.NewTextView().SetWrap(false)
	agentStateView.SetTitle("Agents").SetBorder(true)

	decisionsView := tview.NewTextView().SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	draftView := tview.NewTextView().SetWrap(true)
	draftView.SetTitle("Draft").SetBorder(true)

	queryInput := tview.NewInputField().
		SetLabel("Research query: ")
	queryInput.SetBorder(true).SetTitle("Enter = create+start mission")

	statusView := tview.NewTextView().SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus query, Ctrl+T focus missions",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(executionsView, 0, 2, false).
		AddItem(draftView, 0, 3, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(agentStateView, 8, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(missionsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(queryInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		mu            sync.Mutex
		selectedID    string
		lastMissions  []domain.Mission
		detailVersion uint64
	)
	selected := func() string {
		mu.Lock()
		defer mu.Unlock()
		return selectedID
	}
	selectMission := func(id string) {
		mu.Lock()
		selectedID = id
		mu.Unlock()
	}

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshMissions := func() {
		missions, err := c.listMissions(200)
		if err != nil {
			app.QueueUpdateDraw(func() {
				missionsTable.Clear()
				missionsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(missions, func(i, j int) bool {
			return missions[i].UpdatedAt.After(missions[j].UpdatedAt)
		})
		mu.Lock()
		lastMissions = missions
		current := selectedID
		mu.Unlock()
		app.QueueUpdateDraw(func() {
			renderMissionsTable(missionsTable, missions, current)
		})
	}

	missionByID := func(id string) domain.Mission {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range lastMissions {
			if m.ID == id {
				return m
			}
		}
		return domain.Mission{}
	}

	refreshDetailsAsync := func(missionID string) {
		if strings.TrimSpace(missionID) == "" {
			return
		}
		version := atomic.AddUint64(&detailVersion, 1)

		go func(id string, v uint64) {
			var (
				wg        sync.WaitGroup
				execs     []domain.AgentExecution
				decisions []domain.DecisionLog
				draft     domain.Draft
				execErr   error
				decErr    error
				draftErr  error
			)
			wg.Add(3)
			go func() { defer wg.Done(); execs, execErr = c.listExecutions(id) }()
			go func() { defer wg.Done(); decisions, decErr = c.listDecisions(id, 250) }()
			go func() { defer wg.Done(); draft, draftErr = c.getDraft(id) }()
			wg.Wait()

			if atomic.LoadUint64(&detailVersion) != v {
				return
			}
			mission := missionByID(id)
			app.QueueUpdateDraw(func() {
				if id != selected() {
					return
				}
				if execErr != nil {
					executionsView.SetText(fmt.Sprintf("error: %v", execErr))
				} else {
					executionsView.SetText(renderExecutions(execs))
				}
				if decErr != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decErr))
				} else {
					decisionsView.SetText(renderDecisions(decisions))
				}
				if draftErr != nil {
					draftView.SetText(fmt.Sprintf("error: %v", draftErr))
				} else {
					_, _, width, _ := draftView.GetInnerRect()
					draftView.SetText(renderDraft(draft, width))
				}
				agentStateView.SetText(renderAgentState(mission, execs))
			})
		}(missionID, version)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live events for the mission most recently started from the monitor.
	var cancelWatch context.CancelFunc
	watchMission := func(missionID string) {
		if cancelWatch != nil {
			cancelWatch()
		}
		var watchCtx context.Context
		watchCtx, cancelWatch = context.WithCancel(ctx)
		go func() {
			err := c.watch(watchCtx, missionID, func(evt domain.ProgressEvent) {
				setStatusAsync(describeEvent(evt))
				if evt.Kind != "mission.heartbeat" {
					refreshDetailsAsync(missionID)
				}
			})
			if err != nil {
				setStatusAsync("progress stream closed: " + err.Error())
			}
		}()
	}

	submitQuery := func(query string) {
		query = strings.TrimSpace(query)
		if query == "" {
			return
		}
		setStatusUI("Creating mission...")
		queryInput.SetText("")
		go func(input string) {
			mission, err := c.createMission(input)
			if err != nil {
				setStatusAsync("Failed to create mission: " + err.Error())
				return
			}
			selectMission(mission.ID)
			refreshMissions()
			refreshDetailsAsync(mission.ID)
			setStatusAsync("Mission started: " + mission.ID)
			app.QueueUpdate(func() { watchMission(mission.ID) })
		}(query)
	}

	queryInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitQuery(queryInput.GetText())
	})

	missionsTable.SetSelectedFunc(func(row, _ int) {
		mu.Lock()
		if row <= 0 || row > len(lastMissions) {
			mu.Unlock()
			return
		}
		id := lastMissions[row-1].ID
		mu.Unlock()
		selectMission(id)
		refreshDetailsAsync(id)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == queryInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(missionsTable)
				setStatusUI("Focus -> missions")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(missionsTable)
			setStatusUI("Focus -> missions")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshMissions()
			refreshDetailsAsync(selected())
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(queryInput)
			setStatusUI("Focus -> query")
			return nil
		case tcell.KeyRune:
			app.SetFocus(queryInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshMissions()
		mu.Lock()
		for _, m := range lastMissions {
			if m.Status != domain.MissionStatusCompleted && m.Status != domain.MissionStatusFailed {
				selectedID = m.ID
				break
			}
		}
		mu.Unlock()
		refreshDetailsAsync(selected())

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			refreshMissions()
			mu.Lock()
			if selectedID == "" && len(lastMissions) > 0 {
				selectedID = lastMissions[0].ID
			}
			mu.Unlock()
			refreshDetailsAsync(selected())
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(queryInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// startEmbeddedServer runs "missiond serve" on the port of addr. It prefers an
// explicit binary, then a sibling of this executable, then go run.
func startEmbeddedServer(addr, binary, configPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"serve", "--addr", ":" + port}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(binary) != "" {
		cmd = exec.Command(binary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"missiond", "missiond.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/missiond"}, args...)...)
			cmd.Dir, _ = os.Getwd()
		}
	}

	proc := &embeddedServer{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start missiond process: %w", err)
	}
	return proc, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
