// ============================================================================
// Job Dispatcher CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: cobra-based CLI - a root command plus subcommands, with
// --config/-c selecting the YAML config file:
//
//   jobdispatcherd run --role=front|worker|collector|all
//   jobdispatcherd submit --handler-type=... --file=event.json
//   jobdispatcherd jobs
//   jobdispatcherd info --job-id=...
//   jobdispatcherd finished --job-id=...
//   jobdispatcherd cancel --job-id=...
//
// run Command:
//   Opens the coordination store (replaying its WAL/snapshot), starts the
//   stages selected by --role, starts the metrics server if enabled, and
//   blocks until SIGINT/SIGTERM, then shuts down in Service.Stop's order.
//
// submit/jobs/info/finished/cancel Commands:
//   Open the store read-only-ish (no pipeline stages started), perform one
//   operation against internal/intake or internal/query, and exit - the
//   operator-facing equivalent of a client library call.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/jobdispatcherd/internal/config"
	"github.com/ChuLiYu/jobdispatcherd/internal/execengine"
	"github.com/ChuLiYu/jobdispatcherd/internal/rules"
	"github.com/ChuLiYu/jobdispatcherd/internal/service"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

var configFile string

// BuildCLI returns the root jobdispatcherd command.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "jobdispatcherd",
		Short:   "Distributed event-driven job dispatcher",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildJobsCommand())
	root.AddCommand(buildInfoCommand())
	root.AddCommand(buildFinishedCommand())
	root.AddCommand(buildCancelCommand())
	return root
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configFile); err != nil {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func buildRunCommand() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(role)
		},
	}
	cmd.Flags().StringVar(&role, "role", "all", "Pipeline role to run: front, worker, collector, or all")
	return cmd
}

func runPipeline(role string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	var roles service.Roles
	switch role {
	case "front":
		roles = service.Roles{Front: true}
	case "worker":
		roles = service.Roles{Worker: true}
	case "collector":
		roles = service.Roles{Collector: true}
	case "all":
		roles = service.AllRoles()
	default:
		return fmt.Errorf("cli: unknown role %q (want front, worker, collector, or all)", role)
	}

	// The built-in handlers double as the default rule set: one descriptor
	// per registered handler, gated on a handler_type of the same name.
	registry := rules.NewRegistry()
	registry.Register(rules.HandlerDescriptor{Name: "echo", HandlerType: "echo"})
	registry.Register(rules.HandlerDescriptor{Name: "countdown", HandlerType: "countdown"})
	engine := execengine.New()
	execengine.RegisterDemoHandlers(engine)

	svc, err := service.New(cfg, engine, registry)
	if err != nil {
		return fmt.Errorf("cli: construct service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx, roles)
	slog.Info("cli: running, press ctrl-c to stop", "role", role)
	<-ctx.Done()

	return svc.Stop()
}

func buildSubmitCommand() *cobra.Command {
	var file, handlerType string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an event for dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitEvent(file, handlerType)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing the event body (- for stdin)")
	cmd.Flags().StringVar(&handlerType, "handler-type", "", "Routing tag stored in the event's extra attributes")
	return cmd
}

func submitEvent(file, handlerType string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	var raw []byte
	if file == "" || file == "-" {
		raw, err = readAllStdin()
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("cli: read event body: %w", err)
	}

	var body map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("cli: decode event body: %w", err)
		}
	}

	registry := rules.NewRegistry()
	engine := execengine.New()
	svc, err := service.New(cfg, engine, registry)
	if err != nil {
		return fmt.Errorf("cli: construct service: %w", err)
	}
	defer svc.Stop()

	event := types.Event{Body: body, Extra: map[string]interface{}{"handler_type": handlerType}}
	jobID, err := svc.Intake.SubmitEvent(context.Background(), event, nil)
	if err != nil {
		return fmt.Errorf("cli: submit event: %w", err)
	}
	fmt.Println(jobID)
	return nil
}

func buildJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List known jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, execengine.New(), rules.NewRegistry())
			if err != nil {
				return err
			}
			defer svc.Stop()
			jobs, err := svc.Query.GetJobs()
			if err != nil {
				return err
			}
			for _, id := range jobs {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func buildInfoCommand() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show a job's task breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, execengine.New(), rules.NewRegistry())
			if err != nil {
				return err
			}
			defer svc.Stop()
			info, err := svc.Query.GetInfo(cmd.Context(), types.JobID(jobID))
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id to inspect")
	return cmd
}

func buildFinishedCommand() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "finished",
		Short: "Check whether a job has been split and every task finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, execengine.New(), rules.NewRegistry())
			if err != nil {
				return err
			}
			defer svc.Stop()
			done, err := svc.Query.IsFinished(cmd.Context(), types.JobID(jobID))
			if err != nil {
				return err
			}
			fmt.Println(done)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id to check")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, execengine.New(), rules.NewRegistry())
			if err != nil {
				return err
			}
			defer svc.Stop()
			return svc.Intake.Cancel(types.JobID(jobID))
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id to cancel")
	return cmd
}

func readAllStdin() ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}
