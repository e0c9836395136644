package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/storyloom/internal/engine"
	"github.com/user/storyloom/internal/narration"
	"github.com/user/storyloom/internal/types"
)

var playWindow string

func init() {
	playCmd.Flags().StringVarP(&playWindow, "window", "w", "cli:main", "window to play in")
	rootCmd.AddCommand(playCmd)
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play interactively in the terminal",
	Args:  cobra.NoArgs,
	RunE:  runPlay,
}

const playHelp = `Commands:
  /retry [hint]     ask again for the latest reply
  /edit <text>      rewrite the latest reply
  /resend           resend a failed turn
  /continue         let the narrator carry on
  /snapshots        list rewind points
  /rewind <n|id>    rewind to a snapshot
  /model [name]     show or set the narrator model
  /window <id>      switch to another window
  /rules [text]     list rules, or add one
  /save             save now
  /quit             save and exit`

func runPlay(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
		}
	}()

	out := cmd.OutOrStdout()
	a.notices.Register("", func(w types.WindowID, msg string) error {
		_, err := fmt.Fprintf(out, "! [%s] %s\n", w, msg)
		return err
	})

	p := &player{app: a, out: out}
	if err := p.open(ctx, types.WindowID(playWindow)); err != nil {
		return err
	}
	p.printRecent(6)
	fmt.Fprintln(out, "Type /help for commands.")

	return p.loop(ctx, cmd.InOrStdin())
}

type player struct {
	app *app
	out io.Writer
	eng *engine.Engine
}

func (p *player) open(ctx context.Context, window types.WindowID) error {
	e, err := p.app.pool.Get(ctx, window)
	if err != nil {
		return fmt.Errorf("open window %s: %w", window, err)
	}
	p.eng = e
	fmt.Fprintf(p.out, "== %s (model %s) ==\n", window, e.Controller.Model())
	return nil
}

func (p *player) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(p.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(p.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			p.run(p.eng.Controller.Submit(ctx, line, narration.CycleOptions{}))
			continue
		}
		cmd, arg, _ := strings.Cut(line[1:], " ")
		if quit := p.command(ctx, cmd, strings.TrimSpace(arg)); quit {
			return nil
		}
	}
}

func (p *player) command(ctx context.Context, cmd, arg string) bool {
	ctrl := p.eng.Controller
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(p.out, playHelp)
	case "retry":
		if latest, ok := p.latest(); ok {
			p.run(ctrl.Retry(ctx, latest.ID, narration.RetryOptions{RewriteHint: arg}))
		}
	case "resend":
		if latest, ok := p.latest(); ok {
			p.run(ctrl.Resend(ctx, latest.ID))
		}
	case "continue":
		p.run(ctrl.Continue(ctx))
	case "edit":
		if arg == "" {
			fmt.Fprintln(p.out, "usage: /edit <text>")
			break
		}
		if latest, ok := p.latest(); ok {
			if err := ctrl.Edit(latest.ID, arg, narration.EditOptions{Checkpoint: true}); err != nil {
				p.fail(err)
			} else {
				fmt.Fprintln(p.out, "(edited)")
			}
		}
	case "snapshots":
		p.listSnapshots()
	case "rewind":
		p.rewind(arg)
	case "model":
		if arg != "" {
			ctrl.SetModel(arg)
		}
		fmt.Fprintf(p.out, "model: %s\n", ctrl.Model())
	case "window":
		if arg == "" {
			fmt.Fprintf(p.out, "window: %s\n", p.eng.Window)
			break
		}
		if err := p.open(ctx, types.WindowID(arg)); err != nil {
			p.fail(err)
			break
		}
		p.printRecent(6)
	case "rules":
		if arg != "" && !p.eng.Memory.AddRule(arg) {
			fmt.Fprintln(p.out, "(rule already present)")
		}
		for i, r := range p.eng.Memory.Rules() {
			fmt.Fprintf(p.out, "%d. %s\n", i+1, r)
		}
	case "save":
		if err := p.app.pool.Flush(ctx); err != nil {
			p.fail(err)
		} else {
			fmt.Fprintln(p.out, "(saved)")
		}
	default:
		fmt.Fprintf(p.out, "unknown command /%s, try /help\n", cmd)
	}
	return false
}

// run waits for the cycle started by a controller call and prints its reply.
func (p *player) run(id types.RequestID, err error) {
	if err != nil {
		p.fail(err)
		return
	}
	p.eng.Controller.Wait()
	for _, e := range p.eng.Store.Story() {
		if e.Meta.RequestID == id && e.Role == types.RoleSystem {
			p.printEntry(e)
		}
	}
}

func (p *player) latest() (types.StoryEntry, bool) {
	story := p.eng.Store.Story()
	for i := len(story) - 1; i >= 0; i-- {
		if story[i].Role == types.RoleSystem && story[i].Meta.WindowID == p.eng.Window {
			return story[i], true
		}
	}
	fmt.Fprintln(p.out, "(no reply yet)")
	return types.StoryEntry{}, false
}

func (p *player) listSnapshots() {
	snaps := p.eng.Controller.Rewindable()
	if len(snaps) == 0 {
		fmt.Fprintln(p.out, "(no rewind points)")
		return
	}
	for i, s := range snaps {
		fmt.Fprintf(p.out, "%2d  %s  %-10s %s\n", i+1, s.CreatedAt.Format("15:04:05"), s.Kind, s.Label)
	}
}

func (p *player) rewind(arg string) {
	snaps := p.eng.Controller.Rewindable()
	id := types.SnapshotID(arg)
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(snaps) {
			fmt.Fprintf(p.out, "no snapshot %d\n", n)
			return
		}
		id = snaps[n-1].ID
	}
	if err := p.eng.Controller.Rewind(id); err != nil {
		p.fail(err)
		return
	}
	p.printRecent(4)
}

func (p *player) printRecent(n int) {
	var mine []types.StoryEntry
	for _, e := range p.eng.Store.Story() {
		if e.Meta.WindowID == p.eng.Window {
			mine = append(mine, e)
		}
	}
	if len(mine) > n {
		mine = mine[len(mine)-n:]
	}
	for _, e := range mine {
		p.printEntry(e)
	}
}

func (p *player) printEntry(e types.StoryEntry) {
	switch {
	case e.Role == types.RoleUser:
		fmt.Fprintf(p.out, "you: %s\n", e.Text)
	case e.Meta.Error && e.Meta.ResendFor != "":
		fmt.Fprintf(p.out, "%s  (/resend to try again)\n", e.Text)
	default:
		fmt.Fprintf(p.out, "%s\n\n", e.Text)
	}
}

func (p *player) fail(err error) {
	fmt.Fprintf(p.out, "error: %v\n", err)
}
