// ============================================================================
// jobdispatcherd demo - in-process end-to-end run
// ============================================================================
//
// Submits a handful of events against the built-in echo/countdown demo
// handlers, runs the full pipeline (splitter, dispatcher, collector) in one
// process, and prints status snapshots until every job is reaped or 20
// polls (about ten seconds) have passed - exercising the submit -> split ->
// dispatch -> collect cycle end to end.
// ============================================================================

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/jobdispatcherd/internal/config"
	"github.com/ChuLiYu/jobdispatcherd/internal/execengine"
	"github.com/ChuLiYu/jobdispatcherd/internal/rules"
	"github.com/ChuLiYu/jobdispatcherd/internal/service"
	"github.com/ChuLiYu/jobdispatcherd/pkg/types"
)

func main() {
	cfg := config.Default()
	cfg.Store.WALPath = "data/demo-wal.log"
	cfg.Store.SnapshotPath = "data/demo-snapshot.json"
	cfg.Collector.RunningSweepSeconds = 1
	cfg.Collector.ControlSweepSeconds = 1
	cfg.Collector.DelayWindowSeconds = 2

	registry := rules.NewRegistry()
	registry.Register(rules.HandlerDescriptor{Name: "echo", HandlerType: "echo"})
	registry.Register(rules.HandlerDescriptor{Name: "countdown", HandlerType: "countdown"})

	engine := execengine.New()
	execengine.RegisterDemoHandlers(engine)

	svc, err := service.New(cfg, engine, registry)
	if err != nil {
		log.Fatalf("construct service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx, service.AllRoles())
	fmt.Println("jobdispatcherd demo running - press ctrl-c to stop")

	submitted := submitDemoEvents(ctx, svc)
	fmt.Printf("submitted %d events\n", submitted)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
			jobs, err := svc.Query.GetJobs()
			if err != nil {
				continue
			}
			fmt.Printf("jobs remaining: %d\n", len(jobs))
			if len(jobs) == 0 {
				goto shutdown
			}
		}
	}

shutdown:
	fmt.Println("shutting down")
	if err := svc.Stop(); err != nil {
		log.Fatalf("stop service: %v", err)
	}
	fmt.Println("stopped cleanly")
}

func submitDemoEvents(ctx context.Context, svc *service.Service) int {
	count := 0
	for i := 0; i < 3; i++ {
		event := types.Event{
			Body:  map[string]interface{}{"seq": i},
			Extra: map[string]interface{}{"handler_type": "echo"},
		}
		if _, err := svc.Intake.SubmitEvent(ctx, event, nil); err != nil {
			log.Printf("submit echo event %d: %v", i, err)
			continue
		}
		count++
	}
	for i := 0; i < 2; i++ {
		event := types.Event{
			Body:  map[string]interface{}{"seq": i},
			Extra: map[string]interface{}{"handler_type": "countdown"},
		}
		if _, err := svc.Intake.SubmitEvent(ctx, event, nil); err != nil {
			log.Printf("submit countdown event %d: %v", i, err)
			continue
		}
		count++
	}
	return count
}
