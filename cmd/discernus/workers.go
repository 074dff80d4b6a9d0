package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discernus/discernus/agent"
	"github.com/discernus/discernus/llm/factory"
	"github.com/discernus/discernus/llm/tokenizer"
	"github.com/discernus/discernus/moderator"
	"github.com/discernus/discernus/task"
)

var (
	workerGroup    string
	workerConsumer string
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Serve orchestrate tasks submitted with 'discernus submit'",
	Long: `Consume the orchestrate stream and drive each submitted run through the
pipeline. Run several workers in the same consumer group to spread runs across
processes; a single run is only ever handled by one worker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{component: "orchestrator", redis: true, ledger: true})
		if err != nil {
			return err
		}
		defer a.Close()

		w := a.worker(workerGroup, workerConsumer)
		w.Register(task.TypeOrchestrate, a.orchestrator())
		return runWorker(cmd, a, w)
	},
}

var moderatorCmd = &cobra.Command{
	Use:   "moderator",
	Short: "Serve moderation tasks",
	Long: `Consume the moderation stream. Each task runs the reviewer conversation
(welcome, opening statements, responses, final synthesis) and stores the audit
trail in the artifact store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{component: "moderator", redis: true})
		if err != nil {
			return err
		}
		defer a.Close()

		model := a.cfg.Moderator.Model
		provider, err := factory.NewProvider(a.cfg.LLM, model, a.metrics, a.logger)
		if err != nil {
			return err
		}

		mod := moderator.New(a.cfg.Moderator, moderator.Deps{
			Queue:     a.queue,
			Store:     a.store,
			LLM:       provider,
			Tokenizer: tokenizer.ForModel(model),
			Metrics:   a.metrics,
			Logger:    a.logger,
		})

		w := a.worker(workerGroup, workerConsumer)
		w.Register(task.TypeModeration, mod)
		return runWorker(cmd, a, w)
	},
}

func init() {
	def := agent.DefaultWorkerConfig()
	for _, cmd := range []*cobra.Command{orchestratorCmd, moderatorCmd} {
		cmd.Flags().StringVar(&workerGroup, "group", def.Group, "consumer group")
		cmd.Flags().StringVar(&workerConsumer, "consumer", def.Consumer, "consumer name within the group")
	}
	rootCmd.AddCommand(orchestratorCmd, moderatorCmd)
}

// runWorker 阻塞到收到信号
func runWorker(cmd *cobra.Command, a *app, w *agent.Worker) error {
	a.logger.Info("starting worker",
		zap.String("version", Version),
		zap.Strings("types", typeNames(w.Types())))

	if err := w.Run(cmd.Context()); err != nil {
		return err
	}
	a.logger.Info("worker stopped")
	return nil
}

func typeNames(types []task.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.String()
	}
	return out
}
