package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/manager"
	"github.com/rendis/houndflow/internal/scheduler"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/pkg/mcp"
	"github.com/rendis/houndflow/pkg/schema"
)

// withApp wires the app for one command invocation and closes it afterwards.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(); cerr != nil {
				a.logger.Warn("shutdown", "error", cerr)
			}
		}()
		return fn(ctx, cmd, a)
	}
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow definition file",
		ArgsUsage: "<workflow.json>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Initial variable as key=value; JSON values are decoded",
			},
			&cli.BoolFlag{
				Name:  "output-only",
				Usage: "Print only the declared outputs",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("run: workflow file is required", 2)
			}
			wf, err := readWorkflowFile(path, a)
			if err != nil {
				return err
			}
			vars, err := parseVars(cmd.StringSlice("var"))
			if err != nil {
				return err
			}

			res, err := a.runner.Run(ctx, wf, vars)
			if err != nil {
				return err
			}
			if cmd.Bool("output-only") {
				err = printJSON(a.out, res.Outputs)
			} else {
				err = printJSON(a.out, res)
			}
			if err != nil {
				return err
			}
			if res.Status != execution.StatusCompleted {
				msg := fmt.Sprintf("run %s ended %s", res.ExecutionID, res.Status)
				if res.Error != nil {
					msg += ": " + res.Error.Error()
				}
				return cli.Exit(msg, 1)
			}
			return nil
		}),
	}
}

// readWorkflowFile validates and decodes a definition. A missing id falls
// back to the file name.
func readWorkflowFile(path string, a *app) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := a.validator.ValidateDocument(data); err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %s", path, err.Error()).WithCause(err)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &wf, nil
}

// parseVars turns key=value pairs into variables. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "variable %q must look like key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}

func newWorkflowsCommand() *cli.Command {
	idArg := func(cmd *cli.Command) (string, error) {
		id := cmd.Args().First()
		if id == "" {
			return "", cli.Exit(cmd.Name+": workflow id is required", 2)
		}
		return id, nil
	}

	return &cli.Command{
		Name:    "workflows",
		Aliases: []string{"wf"},
		Usage:   "Manage stored workflow definitions",
		Commands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List stored workflows",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "category", Usage: "Only this category"},
					&cli.StringFlag{Name: "tag", Usage: "Only workflows with this tag"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					wfs, err := a.manager.List(ctx, manager.Filter{
						Category: cmd.String("category"),
						Tag:      cmd.String("tag"),
					})
					if err != nil {
						return err
					}
					return printWorkflowTable(a.out, wfs)
				}),
			},
			{
				Name:      "get",
				Usage:     "Show a stored workflow",
				ArgsUsage: "<id>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					id, err := idArg(cmd)
					if err != nil {
						return err
					}
					wf, err := a.manager.Get(ctx, id)
					if err != nil {
						return err
					}
					if wf == nil {
						return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
					}
					return printJSON(a.out, wf)
				}),
			},
			{
				Name:      "import",
				Usage:     "Validate and store a workflow document",
				ArgsUsage: "<workflow.json>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					path := cmd.Args().First()
					if path == "" {
						return cli.Exit("import: workflow file is required", 2)
					}
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					wf, err := a.manager.Import(ctx, data)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(a.out, wf.ID)
					return err
				}),
			},
			{
				Name:      "export",
				Usage:     "Write a workflow as a portable document",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write to this file instead of stdout"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					id, err := idArg(cmd)
					if err != nil {
						return err
					}
					data, err := a.manager.Export(ctx, id)
					if err != nil {
						return err
					}
					if out := cmd.String("out"); out != "" {
						return os.WriteFile(out, append(data, '\n'), 0o644)
					}
					_, err = fmt.Fprintln(a.out, string(data))
					return err
				}),
			},
			{
				Name:      "search",
				Usage:     "Search workflows by name, description or tag",
				ArgsUsage: "<query>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					wfs, err := a.manager.Search(ctx, strings.Join(cmd.Args().Slice(), " "))
					if err != nil {
						return err
					}
					return printWorkflowTable(a.out, wfs)
				}),
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete a stored workflow",
				ArgsUsage: "<id>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					id, err := idArg(cmd)
					if err != nil {
						return err
					}
					return a.manager.Delete(ctx, id)
				}),
			},
			{
				Name:      "clone",
				Usage:     "Copy a workflow under a new id",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Name of the copy"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					id, err := idArg(cmd)
					if err != nil {
						return err
					}
					var patch manager.Patch
					if cmd.IsSet("name") {
						name := cmd.String("name")
						patch.Name = &name
					}
					wf, err := a.manager.Clone(ctx, id, patch)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(a.out, wf.ID)
					return err
				}),
			},
		},
	}
}

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a saved execution, or list recent executions",
		ArgsUsage: "[execution-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "List only runs of this workflow"},
			&cli.StringFlag{Name: "status", Usage: "List only runs in this status"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum runs to list"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if id := cmd.Args().First(); id != "" {
				st, err := a.runner.Status(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(a.out, st)
			}
			runs, err := a.store.ListExecutions(ctx, store.ExecutionFilter{
				WorkflowID: cmd.String("workflow"),
				Status:     cmd.String("status"),
				Limit:      int(cmd.Int("limit")),
			})
			if err != nil {
				return err
			}
			for _, r := range runs {
				if _, err := fmt.Fprintf(a.out, "%s\t%s\t%s\t%s\n",
					r.ExecutionID, r.WorkflowID, r.Status, r.SavedAt.Format("2006-01-02T15:04:05Z07:00")); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the MCP tools over stdio and run scheduled workflows",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "schedule",
				Usage: `Cron job as workflow_id="min hour dom month dow"; repeatable`,
			},
			&cli.BoolFlag{
				Name:  "no-mcp",
				Usage: "Only run the scheduler",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			sched := scheduler.New(a.runner,
				scheduler.WithInterval(time.Duration(a.cfg.SchedulerInterval)),
				scheduler.WithLogger(a.logger),
			)
			for _, spec := range cmd.StringSlice("schedule") {
				job, err := scheduler.ParseJobSpec(spec)
				if err != nil {
					return err
				}
				if _, err := sched.AddJob(job); err != nil {
					return err
				}
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = sched.Stop() }()

			if cmd.Bool("no-mcp") {
				<-ctx.Done()
				return nil
			}
			srv := mcp.NewServer(mcp.ServerDeps{
				Catalog:    a.manager,
				Runs:       a.runner,
				Executions: a.store,
				Events:     a.events,
				Logger:     a.logger,
				Version:    version,
			})
			a.logger.Info("serving MCP over stdio", "jobs", len(sched.Jobs()))
			return srv.Serve(ctx)
		}),
	}
}

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintln(outWriter(cmd), version)
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWorkflowTable(w io.Writer, wfs []*schema.Workflow) error {
	for _, wf := range wfs {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", wf.ID, wf.Name, wf.Version, strings.Join(wf.Tags, ",")); err != nil {
			return err
		}
	}
	return nil
}
