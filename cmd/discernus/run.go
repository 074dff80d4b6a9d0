package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discernus/discernus/experiment"
	"github.com/discernus/discernus/orchestrator"
	"github.com/discernus/discernus/queue"
	"github.com/discernus/discernus/task"
)

var (
	experimentPath string
	runID          string
	submitWait     bool
	submitTimeout  time.Duration
)

// errRunFailed 运行未成功结束，清单已打印
var errRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest an experiment and orchestrate it in this process",
	Long: `Store the experiment's frameworks and corpus in the artifact store, then drive
every pipeline stage from this process. Agents for the individual stages must be
consuming the task streams. The run manifest is printed on exit; the exit code is
0 only when every stage completed.

Examples:
  discernus run --experiment experiments/populism.yaml
  discernus run --experiment experiments/populism.yaml --run-id populism-2025-03`,
	Args: cobra.NoArgs,
	RunE: runExperiment,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Ingest an experiment and queue it for an orchestrator worker",
	Long: `Store the experiment inputs and publish an orchestrate task. With --wait the
command blocks until the orchestrator worker reports completion, then prints the
run manifest.

Examples:
  discernus submit --experiment experiments/populism.yaml
  discernus submit --experiment experiments/populism.yaml --wait --timeout 2h`,
	Args: cobra.NoArgs,
	RunE: submitExperiment,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, submitCmd} {
		cmd.Flags().StringVarP(&experimentPath, "experiment", "e", "", "path to experiment YAML")
		cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
		_ = cmd.MarkFlagRequired("experiment")
	}
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the run to finish")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 2*time.Hour, "how long --wait blocks")

	rootCmd.AddCommand(runCmd, submitCmd)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	def, err := experiment.Load(experimentPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{component: "run", redis: true, ledger: true})
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := experiment.Ingest(ctx, a.store, def, runID, a.logger)
	if err != nil {
		return err
	}

	out := a.orchestrator().Orchestrate(ctx, req)
	if err := printJSON(cmd.OutOrStdout(), out.Manifest); err != nil {
		return err
	}
	if !out.Success {
		a.logger.Error("run failed",
			zap.String("run_id", out.RunID),
			zap.String("run_status", out.Manifest.RunStatus),
			zap.Error(out.Err))
		return fmt.Errorf("%w: %s ended with %s", errRunFailed, out.RunID, out.Manifest.RunStatus)
	}
	return nil
}

func submitExperiment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	def, err := experiment.Load(experimentPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{component: "submit", quiet: true, redis: true})
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := experiment.Ingest(ctx, a.store, def, runID, a.logger)
	if err != nil {
		return err
	}
	ref, err := submit(cmd.Context(), a.queue, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted run %s\n", req.RunID)

	if !submitWait {
		return nil
	}

	_, waitErr := a.queue.AwaitCompletion(ctx, ref, submitTimeout)
	if errors.Is(waitErr, queue.ErrTimeout) {
		return fmt.Errorf("run %s still in progress after %s", req.RunID, submitTimeout)
	}
	if waitErr != nil && !errors.Is(waitErr, queue.ErrTaskFailed) {
		return waitErr
	}

	m, err := a.manifests.Load(ctx, req.RunID)
	if err != nil {
		return errors.Join(waitErr, err)
	}
	if err := printJSON(cmd.OutOrStdout(), m); err != nil {
		return err
	}
	if waitErr != nil || m.RunStatus != orchestrator.StatusCompleted {
		return fmt.Errorf("%w: %s ended with %s", errRunFailed, req.RunID, m.RunStatus)
	}
	return nil
}

// taskQueue 是 submit 需要的队列能力
type taskQueue interface {
	Stream(typ task.Type) string
	BeginAttempt(ctx context.Context, runID string) (int64, error)
	Enqueue(ctx context.Context, stream string, t task.Task) (queue.TaskRef, error)
}

// submit 在控制运行下开启新尝试并发布 orchestrate 任务
func submit(ctx context.Context, q taskQueue, req *orchestrator.Request) (queue.TaskRef, error) {
	if err := req.Validate(); err != nil {
		return queue.TaskRef{}, err
	}
	t := req.Task()
	epoch, err := q.BeginAttempt(ctx, t.RunID)
	if err != nil {
		return queue.TaskRef{}, err
	}
	t.Epoch = epoch
	return q.Enqueue(ctx, q.Stream(task.TypeOrchestrate), t)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
