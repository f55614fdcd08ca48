package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/claim"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/gitops"
	"crewline/internal/mailbox"
	"crewline/internal/publish"
	"crewline/internal/readiness"
	"crewline/internal/reconcile"
	"crewline/internal/selection"
	"crewline/internal/server"
	"crewline/internal/store"
	"crewline/internal/work"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Crewline CLI",
	Long: `Crewline coordinates a fleet of coding agents over shared work.
Core concepts:
- Workspace: your .crewline directory holding the database; config lives in
  the DB and in crewline.yml.
- Work items: epics and changesets in a parent tree with dependency edges;
  statuses go deferred -> open -> in_progress -> closed (blocked is a detour,
  closed is terminal).
- Claims: the hook that binds one agent to one work item at a time;
  cw claim/release/reclaim.
- Readiness: a changeset is runnable once every dependency is closed and its
  own status allows starting.
- Startup (cw next): resume an interrupted hook, drain the mailbox, pick and
  claim an epic, then descend to the next runnable changeset.
- Messages: direct, queue and channel records; queues hand one message to one
  claimant, channels broadcast with retention.
- Publish gate (cw publish): decides push-only vs PR per the configured
  strategy, refusing corrupted branch lineage.
- Reconcile: scans PR signals, closes merged changesets, reopens premature
  closes and reclaims stale hooks.
- Event log: diary of changes, view with 'cw log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(reclaimCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func workCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "work",
		Short: "Manage work items",
		Long:  "Work items are epics and their changesets. New items start deferred; promote them to open when planning is confirmed. Dependencies gate readiness, the parent tree gates closing.",
	}
	w.AddCommand(workCreateCmd())
	w.AddCommand(workListCmd())
	w.AddCommand(workShowCmd())
	w.AddCommand(workUpdateCmd())
	w.AddCommand(workPromoteCmd())
	w.AddCommand(workTreeCmd())
	w.AddCommand(workRunnableCmd())
	return w
}

func workCreateCmd() *cobra.Command {
	var opts work.CreateOptions
	var dependsOn, labels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item (starts deferred)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("agent-id")
			opts.DependsOn = dependsOn
			opts.Labels = labels
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				item, err := work.NewService(a.DB).Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent work item id")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency work item id (repeatable)")
	cmd.Flags().StringArrayVar(&labels, "label", []string{}, "label (repeatable)")
	cmd.Flags().StringVar(&opts.RootBranch, "root-branch", "", "epic root branch")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workListCmd() *cobra.Command {
	var f store.WorkFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Store.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Parent"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Status, strOrEmpty(w.Assignee), strOrEmpty(w.ParentID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&f.TopLevel, "top-level", false, "epics only")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func workShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				item, err := a.Store.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func workUpdateCmd() *cobra.Command {
	var status, workBranch, parentBranch, rootBranch, integratedSHA, reviewCursor string
	var addDeps, removeDeps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			actorID := viper.GetString("agent-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				svc := work.NewService(a.DB)
				if len(addDeps) > 0 {
					if err := svc.AddDependencies(ctx, id, addDeps, actorID); err != nil {
						return err
					}
				}
				if len(removeDeps) > 0 {
					if err := svc.RemoveDependencies(ctx, id, removeDeps, actorID); err != nil {
						return err
					}
				}
				lineage := work.LineageOptions{ID: id, ActorID: actorID}
				touched := false
				if cmd.Flags().Changed("work-branch") {
					lineage.WorkBranch = &workBranch
					touched = true
				}
				if cmd.Flags().Changed("parent-branch") {
					lineage.ParentBranch = &parentBranch
					touched = true
				}
				if cmd.Flags().Changed("root-branch") {
					lineage.RootBranch = &rootBranch
					touched = true
				}
				if cmd.Flags().Changed("integrated-sha") {
					lineage.IntegratedSHA = &integratedSHA
					touched = true
				}
				if cmd.Flags().Changed("review-cursor") {
					lineage.ReviewCursor = &reviewCursor
					touched = true
				}
				if touched {
					if _, err := svc.SetLineage(ctx, lineage); err != nil {
						return err
					}
				}
				if status != "" {
					if _, err := svc.SetStatus(ctx, id, status, actorID, viper.GetBool("force")); err != nil {
						return err
					}
				}
				item, err := a.Store.GetWorkItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringArrayVar(&addDeps, "add-depends-on", []string{}, "add dependency")
	cmd.Flags().StringArrayVar(&removeDeps, "remove-depends-on", []string{}, "remove dependency")
	cmd.Flags().StringVar(&workBranch, "work-branch", "", "work branch")
	cmd.Flags().StringVar(&parentBranch, "parent-branch", "", "parent (base) branch")
	cmd.Flags().StringVar(&rootBranch, "root-branch", "", "epic root branch")
	cmd.Flags().StringVar(&integratedSHA, "integrated-sha", "", "merge commit SHA")
	cmd.Flags().StringVar(&reviewCursor, "review-cursor", "", "review feedback cursor timestamp")
	return cmd
}

func workPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Promote a deferred item to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				item, err := work.NewService(a.DB).Promote(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func workTreeCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the work item tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Store.ListWorkItems(ctx, store.WorkFilters{Status: status})
				if err != nil {
					return err
				}
				children := map[string][]domain.WorkItem{}
				var roots []domain.WorkItem
				for _, w := range items {
					if w.ParentID != nil {
						children[*w.ParentID] = append(children[*w.ParentID], w)
					} else {
						roots = append(roots, w)
					}
				}
				if viper.GetBool("json") {
					type node struct {
						Item     domain.WorkItem `json:"item"`
						Children []node          `json:"children,omitempty"`
					}
					var build func(w domain.WorkItem) node
					build = func(w domain.WorkItem) node {
						var kids []node
						for _, c := range children[w.ID] {
							kids = append(kids, build(c))
						}
						return node{Item: w, Children: kids}
					}
					var tree []node
					for _, r := range roots {
						tree = append(tree, build(r))
					}
					return printJSON(tree)
				}
				for _, r := range roots {
					printWorkTree(r, children, "", true)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func workRunnableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runnable [epic-id]",
		Short: "Show readiness for every leaf under an epic (all epics if omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if len(args) == 1 {
					leaves, err := readiness.Evaluate(ctx, a.Store, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(leaves)
				}
				all, err := readiness.EvaluateAll(ctx, a.Store)
				if err != nil {
					return err
				}
				return printJSONOrTable(all)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	a.AddCommand(agentRegisterCmd())
	a.AddCommand(agentHeartbeatCmd())
	a.AddCommand(agentShowCmd())
	a.AddCommand(agentListCmd())
	return a
}

func agentRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register [id]",
		Short: "Register an agent (idempotent)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("agent-id")
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				agent, err := a.Store.EnsureAgent(ctx, id, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(agent)
			})
		},
	}
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh the agent's liveness timestamp",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("agent-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Store.Heartbeat(ctx, id, time.Now()); err != nil {
					return err
				}
				agent, err := a.Store.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(agent)
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("agent-id")
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				agent, err := a.Store.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(agent)
			})
		},
	}
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				agents, err := a.Store.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Hook", "Heartbeat"})
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.ID, strOrEmpty(ag.HookWorkID), ag.HeartbeatAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <work-id>",
		Short: "Claim a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := claim.NewArbiter(a.DB).Claim(ctx, viper.GetString("agent-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <work-id>",
		Short: "Release a claimed work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return claim.NewArbiter(a.DB).Release(ctx, viper.GetString("agent-id"), args[0])
			})
		},
	}
	return cmd
}

func reclaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim <work-id>",
		Short: "Take over a stale claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				stale := time.Duration(a.Cfg.Agents.StaleClaimMinutes) * time.Minute
				return claim.NewArbiter(a.DB).Reclaim(ctx, viper.GetString("agent-id"), args[0], stale)
			})
		},
	}
	return cmd
}

func nextCmd() *cobra.Command {
	var mode, epicID string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Run the startup sequence: resume, drain mailbox, claim, descend",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := viper.GetString("agent-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				engine := selection.NewEngine(a.DB, a.Cfg)
				var out selection.Outcome
				var err error
				if epicID != "" {
					out, err = engine.ClaimAndDescend(ctx, agentID, epicID)
				} else {
					out, err = engine.Startup(ctx, agentID, selection.Mode(mode))
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Phase: %s\n", out.Phase)
				for _, m := range out.Messages {
					fmt.Printf("  unread: %s from %s: %s\n", m.ID, m.Sender, m.Body)
				}
				for _, e := range out.Resume {
					fmt.Printf("  resume candidate: %s %s\n", e.ID, e.Title)
				}
				for _, e := range out.Epics {
					fmt.Printf("  epic candidate: %s %s\n", e.ID, e.Title)
				}
				if out.Epic != nil {
					fmt.Printf("Epic: %s %s\n", out.Epic.ID, out.Epic.Title)
				}
				if out.Next != nil {
					fmt.Printf("Next: %s %s\n", out.Next.ID, out.Next.Title)
				} else if out.Epic != nil {
					fmt.Println("Next: nothing runnable")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "prompt", "selection mode (prompt, auto)")
	cmd.Flags().StringVar(&epicID, "epic", "", "claim this epic instead of selecting")
	return cmd
}

func msgCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "msg",
		Short: "Messaging between agents",
		Long:  "Direct messages go to one agent, queue messages are claimed by exactly one taker, channel posts broadcast with retention.",
	}
	m.AddCommand(msgSendCmd())
	m.AddCommand(msgEnqueueCmd())
	m.AddCommand(msgPostCmd())
	m.AddCommand(msgInboxCmd())
	m.AddCommand(msgClaimCmd())
	m.AddCommand(msgReadCmd())
	return m
}

func msgSendCmd() *cobra.Command {
	var to, thread, body string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a direct message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				msg, err := mailbox.New(a.DB).Send(ctx, viper.GetString("agent-id"), to, thread, body)
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient agent id")
	cmd.Flags().StringVar(&thread, "thread", "", "work item thread id")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func msgEnqueueCmd() *cobra.Command {
	var queue, thread, body string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Put a message on a work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				msg, err := mailbox.New(a.DB).Enqueue(ctx, viper.GetString("agent-id"), queue, thread, body)
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name")
	cmd.Flags().StringVar(&thread, "thread", "", "work item thread id")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func msgPostCmd() *cobra.Command {
	var channel, body string
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post to a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				days := retentionDays
				if days == 0 {
					days = a.Cfg.Messages.DefaultRetentionDays
				}
				msg, err := mailbox.New(a.DB).Post(ctx, viper.GetString("agent-id"), channel, body, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel name")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "retention (default from config)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func msgInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List unread direct messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				msgs, err := mailbox.New(a.DB).Inbox(ctx, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "Thread", "Body"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.Sender, strOrEmpty(m.ThreadID), m.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func msgClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <message-id>",
		Short: "Claim a queue message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				msg, err := mailbox.New(a.DB).Claim(ctx, viper.GetString("agent-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	return cmd
}

func msgReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a message read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return mailbox.New(a.DB).MarkRead(ctx, viper.GetString("agent-id"), args[0])
			})
		},
	}
	return cmd
}

func publishCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "publish",
		Short: "Publish gate: decide and run",
		Long:  "The gate never blocks pushing a branch; it decides whether a pull request may be created or updated right now under the configured strategy.",
	}
	p.AddCommand(publishDecideCmd())
	p.AddCommand(publishRunCmd())
	return p
}

func publishDecideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <work-id>",
		Short: "Evaluate the strategy gate for a changeset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				in, err := publishInput(ctx, a.Store, a.Cfg, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(publish.Decide(in))
			})
		},
	}
	return cmd
}

func publishRunCmd() *cobra.Command {
	var repoDir, title, body string
	cmd := &cobra.Command{
		Use:   "run <work-id>",
		Short: "Refresh the PR signal, decide, then push and open/update the PR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cs, err := a.Store.GetWorkItem(ctx, workID)
				if err != nil {
					return err
				}
				if cs.WorkBranch == nil || *cs.WorkBranch == "" {
					return fmt.Errorf("work item %s has no work branch; set one with cw work update --work-branch", workID)
				}
				branch := *cs.WorkBranch
				git := gitops.NewGit(repoDir)
				gh := gitops.NewGH(repoDir)

				// Observe before deciding so the gate sees current PR state.
				if err := refreshSignal(ctx, a.Store, gh, workID, branch); err != nil {
					return err
				}
				in, err := publishInput(ctx, a.Store, a.Cfg, workID)
				if err != nil {
					return err
				}
				res, err := publish.Run(ctx, in, git, gh, title, body)
				if err != nil {
					return err
				}
				if res.PRURL != "" {
					if err := refreshSignal(ctx, a.Store, gh, workID, branch); err != nil {
						return err
					}
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", ".", "git repository directory")
	cmd.Flags().StringVar(&title, "title", "", "PR title (defaults to the work item title)")
	cmd.Flags().StringVar(&body, "body", "", "PR body")
	return cmd
}

func refreshSignal(ctx context.Context, st store.Store, gh gitops.GH, workID, branch string) error {
	sig, err := gh.Signal(ctx, branch)
	if err != nil {
		return err
	}
	sig.WorkID = workID
	return st.UpsertPRSignal(ctx, sig)
}

// publishInput assembles the gate's snapshot: the changeset, its epic, the
// sibling leaves of the same epic and every cached PR signal under it.
func publishInput(ctx context.Context, st store.Store, cfg *config.Config, workID string) (publish.Input, error) {
	cs, err := st.GetWorkItem(ctx, workID)
	if err != nil {
		return publish.Input{}, err
	}
	epic := cs
	for epic.ParentID != nil {
		epic, err = st.GetWorkItem(ctx, *epic.ParentID)
		if err != nil {
			return publish.Input{}, err
		}
	}
	subtree, err := st.ListSubtree(ctx, epic.ID)
	if err != nil {
		return publish.Input{}, err
	}
	hasChild := map[string]bool{}
	for _, w := range subtree {
		if w.ParentID != nil {
			hasChild[*w.ParentID] = true
		}
	}
	var siblings []domain.WorkItem
	for _, w := range subtree {
		if w.ID != epic.ID && !hasChild[w.ID] {
			siblings = append(siblings, w)
		}
	}
	signals, err := st.SignalsForSubtree(ctx, epic.ID)
	if err != nil {
		return publish.Input{}, err
	}
	return publish.Input{
		Changeset: cs,
		Epic:      epic,
		Siblings:  siblings,
		Signals:   signals,
		Strategy:  cfg.Publish.Strategy,
	}, nil
}

func reconcileCmd() *cobra.Command {
	var repoDir string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Scan PR signals, repair drift, expire messages, reclaim stale hooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				scanner := reconcile.NewScanner(a.DB, a.Cfg)
				if repoDir != "" {
					scanner.VCS = gitops.NewGit(repoDir)
				}
				report, err := scanner.Run(ctx, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", "", "git repository directory for branch-history verification")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				counts, err := a.Store.CountByStatus(ctx)
				if err != nil {
					return err
				}
				agents, err := a.Store.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"workspace_id": a.Cfg.Workspace.ID,
						"work_counts":  counts,
						"agents":       agents,
					})
				}
				fmt.Printf("Workspace: %s\n", a.Cfg.Workspace.ID)
				fmt.Println("Work items:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Agents:")
				for _, ag := range agents {
					hook := "idle"
					if ag.HookWorkID != nil {
						hook = "on " + *ag.HookWorkID
					}
					fmt.Printf("  %s: %s (heartbeat %s)\n", ag.ID, hook, ag.HeartbeatAt)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Store.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is stored in the DB and seeded from crewline.yml: publish strategy, supervisor channel, stale claim window, message retention.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSONOrTable(a.Cfg)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				id := cfg.Workspace.ID
				if id == "" {
					id = a.Cfg.Workspace.ID
				}
				if err := a.Store.UpsertWorkspaceConfig(ctx, id, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("CREWLINE_JWT_SECRET"),
					AllowLegacyAgentHeader: allowLegacyHeader,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CREWLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{DB: a.DB, Cfg: a.Cfg, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-agent-header", false, "accept X-Agent-Id without a token")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), "", viper.GetString("agent-id"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWorkTree(w domain.WorkItem, children map[string][]domain.WorkItem, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, w.Title, w.Status)
	for i, c := range children[w.ID] {
		printWorkTree(c, children, newPrefix, i == len(children[w.ID])-1)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
